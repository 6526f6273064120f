package partner

import "time"

// Firm is static reference data about a partner law firm. The engine only
// reads it; provisioning happens elsewhere.
type Firm struct {
	ID            string
	Name          string
	Jurisdictions []string
	Specialties   []string
	SuccessRate   float64
	CasesHandled  int
	Preferred     bool
	CreatedAt     time.Time
}
