package bridge

import (
	"encoding/json"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
)

func encodeNotification(n notification.Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Bridge", "encodeNotification", "marshal notification")
	}
	return payload, nil
}
