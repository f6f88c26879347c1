package audience

import "context"

// Person is a directory record as the engine sees it. The directory itself
// is an external collaborator; the engine never writes to it.
type Person struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Department  string `json:"department"`
	Location    string `json:"location"`
	ManagerID   string `json:"manager_id"`
	ManagerName string `json:"manager_name"`
	Active      bool   `json:"active"`
}

// Directory is the read-only people/organization lookup the engine consumes
type Directory interface {
	// Lookup returns a person by ID, or nil when unknown
	Lookup(ctx context.Context, orgID, personID string) (*Person, error)
	// ReportsOf returns the direct reports of a manager
	ReportsOf(ctx context.Context, orgID, managerID string) ([]*Person, error)
	// All returns every active person in the organization
	All(ctx context.Context, orgID string) ([]*Person, error)
}
