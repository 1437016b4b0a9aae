package resources

import "fmt"

// Problem is a struct representing a problem document from the server.
//
// See https://tools.ietf.org/html/rfc8555#section-6.7
type Problem struct {
	Type        string    `json:"type,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Status      int       `json:"status,omitempty"`
	Subproblems []Problem `json:"subproblems,omitempty"`
}

// Error makes a Problem usable directly as an error value.
func (p Problem) Error() string {
	return fmt.Sprintf("%s :: %s", p.Type, p.Detail)
}
