package conversation

import "time"

// Assignment designates the doctor currently serving a patient.
type Assignment struct {
	PatientID   string    `json:"patientId"`
	DoctorID    string    `json:"doctorId"`
	CreatedAt   time.Time `json:"createdAt"`
	PatientName string    `json:"patientName"`
	Age         int       `json:"age"`
	Sex         string    `json:"sex"`
}

// Links reports whether the assignment connects the conversation's participants.
func (a Assignment) Links(id ID) bool {
	return a.PatientID == id.PatientID && a.DoctorID == id.DoctorID
}

// MirrorPath is where the assignment is redundantly stored in the blob store.
func MirrorPath(patientID string) string {
	return "assignments/" + patientID + ".json"
}

// Event names published on real-time channels.
const (
	EventNewMessage        = "NewMessage"
	EventAssignmentUpdated = "AssignmentUpdated"
)
