package conversation

// Role of an authenticated caller.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor || r == RoleAdmin
}

// Identity is resolved once per request and never cached.
type Identity struct {
	UID      string `json:"uid"`
	Role     Role   `json:"role"`
	DomainID string `json:"domainId"`
}

// SenderRole maps a participant role to the message sender it may author.
func (i Identity) SenderRole() (Sender, bool) {
	switch i.Role {
	case RolePatient:
		return SenderPatient, true
	case RoleDoctor:
		return SenderDoctor, true
	default:
		return "", false
	}
}

// Patient and Doctor are the directory records the core reads.
type Patient struct {
	PatientID string `json:"patientId"`
	UID       string `json:"uid"`
	Name      string `json:"name"`
	Age       int    `json:"age"`
	Sex       string `json:"sex"`
}

type Doctor struct {
	DoctorID string `json:"doctorId"`
	UID      string `json:"uid"`
	Name     string `json:"name"`
}
