package hipaa

// Table names shared by the PII registry and the audit trail.
const (
	TableUsers         = "users"
	TablePatients      = "patients"
	TableAppointments  = "appointments"
	TableClinicalNotes = "clinical_notes"
)

// PHIFieldConfig lists the columns of one table that hold contact PII and
// are stored encrypted.
type PHIFieldConfig struct {
	Table  string
	Fields []string
}

// DefaultPHIFields returns the encrypted column set per table.
//
// Names, date of birth and patients.medical_history are stored in clear:
// names are needed for listing and sorting, and medical history is clinical
// content protected by row-level authorization rather than field encryption.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{Table: TableUsers, Fields: []string{"email"}},
		{Table: TablePatients, Fields: []string{
			"phone",
			"email",
			"address",
			"emergency_contact_name",
			"emergency_contact_phone",
			"insurance_info",
		}},
	}
}

// PHIFieldsFor returns the encrypted columns of table, or nil.
func PHIFieldsFor(table string) []string {
	for _, cfg := range DefaultPHIFields() {
		if cfg.Table == table {
			return cfg.Fields
		}
	}
	return nil
}

// PHIFieldPaths returns a flat set of "<table>.<column>" strings for fast
// look-up. Example key: "patients.phone".
func PHIFieldPaths() map[string]bool {
	paths := make(map[string]bool)
	for _, cfg := range DefaultPHIFields() {
		for _, f := range cfg.Fields {
			paths[cfg.Table+"."+f] = true
		}
	}
	return paths
}
