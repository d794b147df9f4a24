package amppcontrol

// Application describes one controllable application type and the commands
// it accepts.
type Application struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version,omitempty"`
	Commands    []Command `json:"commands"`
}

// Command is one control command descriptor. Schema is a JSON Schema
// document describing the command payload.
type Command struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Markdown string `json:"markdown,omitempty"`
}

// Macro is a stored sequence of control commands.
type Macro struct {
	ID          string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ControlGroup groups related controls of an application type.
type ControlGroup struct {
	Name     string   `json:"name"`
	Controls []string `json:"controls,omitempty"`
}
