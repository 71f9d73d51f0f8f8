package rules

import "fmt"

// ConfigError reports invalid rule or step data. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "invalid rule configuration: " + msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
