package conversation

import (
	"fmt"
	"strings"
)

// ID identifies a conversation by its two participants.
type ID struct {
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
}

// NewID trims both ids.
func NewID(patientID, doctorID string) ID {
	return ID{PatientID: strings.TrimSpace(patientID), DoctorID: strings.TrimSpace(doctorID)}
}

// Validate rejects empty ids and ids containing path separators.
func (id ID) Validate() error {
	if id.PatientID == "" || id.DoctorID == "" {
		return fmt.Errorf("conversation requires both patientId and doctorId")
	}
	for _, part := range []string{id.PatientID, id.DoctorID} {
		if strings.ContainsAny(part, "/:*") {
			return fmt.Errorf("invalid conversation id component %q", part)
		}
	}
	return nil
}

func (id ID) String() string {
	return id.PatientID + ":" + id.DoctorID
}

// Channel returns the real-time channel key participants subscribe to.
func (id ID) Channel() string {
	return "conversation:" + id.PatientID + ":" + id.DoctorID
}

// BlobPath returns the storage path of the conversation log.
func (id ID) BlobPath() string {
	return LogPrefix + id.PatientID + "/" + id.DoctorID + ".json"
}

// LogPrefix is the storage prefix of every conversation log.
const LogPrefix = "conversations/"

// ParseBlobPath is the inverse of BlobPath.
func ParseBlobPath(path string) (ID, bool) {
	rest, ok := strings.CutPrefix(path, LogPrefix)
	if !ok {
		return ID{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return ID{}, false
	}
	patientID, doctorID, ok := strings.Cut(rest, "/")
	if !ok || patientID == "" || doctorID == "" || strings.Contains(doctorID, "/") {
		return ID{}, false
	}
	return ID{PatientID: patientID, DoctorID: doctorID}, true
}

// PatientChannel is the notification channel of a patient.
func PatientChannel(patientID string) string {
	return "patient:" + patientID
}
