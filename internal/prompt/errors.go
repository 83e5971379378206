package prompt

import "fmt"

// RequiredVariableMissingError is returned when a required field has neither
// an input value nor a declared default.
type RequiredVariableMissingError struct {
	Category string
	Field    string
}

func (e *RequiredVariableMissingError) Error() string {
	return fmt.Sprintf("Required variable '%s.%s' is missing", e.Category, e.Field)
}

// Code returns the stable machine code for the error.
func (e *RequiredVariableMissingError) Code() string { return "REQUIRED_VARIABLE_MISSING" }

// VariableNotFoundError is returned when a placeholder path does not resolve.
type VariableNotFoundError struct {
	Path string
}

func (e *VariableNotFoundError) Error() string {
	return "Variable not found: " + e.Path
}

// Code returns the stable machine code for the error.
func (e *VariableNotFoundError) Code() string { return "VARIABLE_NOT_FOUND" }

// VariableTypeMismatchError is returned when a value does not have the
// declared type, or when a placeholder resolves to an object or array.
type VariableTypeMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *VariableTypeMismatchError) Error() string {
	return fmt.Sprintf("Variable '%s' has type %s, expected %s", e.Path, e.Actual, e.Expected)
}

// Code returns the stable machine code for the error.
func (e *VariableTypeMismatchError) Code() string { return "VARIABLE_TYPE_MISMATCH" }
