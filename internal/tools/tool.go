package tools

import "context"

// Tool is anything the agent runner can expose to the model: a name,
// a description, a JSON-schema-shaped parameter spec, and an execute
// function that returns a JSON-serializable Result.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}
