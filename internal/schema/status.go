package schema

import (
	"fmt"
	"strings"
)

// Consultation statuses.
const (
	StatusWaiting    = "espera"
	StatusRadiology  = "rayosx"
	StatusSurgery    = "quirofano"
	StatusClientLeft = "cliente_se_fue"
	StatusFinished   = "terminado"
)

// Rooms is the number of consultation rooms.
const Rooms = 3

// StatusRoom returns the status of a patient in consultation room n.
func StatusRoom(n int) string {
	return fmt.Sprintf("consultorio%d", n)
}

// Lab order statuses.
const (
	LabPending    = "pendiente"
	LabInProgress = "en_proceso"
	LabReady      = "listo"
	LabDelivered  = "entregado"
)

// Surgery booking statuses.
const (
	SurgeryScheduled = "programada"
	SurgeryPrep      = "preparacion"
	SurgeryInProcess = "en_cirugia"
	SurgeryRecovery  = "recuperacion"
	SurgeryDischarge = "alta"
)

// Statuses lists the statuses a kind uses, in workflow order.
func Statuses(kind Kind) []string {
	switch kind {
	case KindConsultation:
		s := []string{StatusWaiting}
		for i := 1; i <= Rooms; i++ {
			s = append(s, StatusRoom(i))
		}
		return append(s, StatusRadiology, StatusSurgery, StatusClientLeft, StatusFinished)
	case KindLab:
		return []string{LabPending, LabInProgress, LabReady, LabDelivered}
	case KindSurgery:
		return []string{SurgeryScheduled, SurgeryPrep, SurgeryInProcess, SurgeryRecovery, SurgeryDischarge}
	default:
		return nil
	}
}

// InitialStatus is the status a new record of kind starts in.
func InitialStatus(kind Kind) string {
	switch kind {
	case KindLab:
		return LabPending
	case KindSurgery:
		return SurgeryScheduled
	default:
		return StatusWaiting
	}
}

// IsKnownStatus reports whether status belongs to kind's workflow.
func IsKnownStatus(kind Kind, status string) bool {
	return contains(Statuses(kind), status)
}

// IsServiceStatus reports whether entering status means the patient is
// being attended.
func IsServiceStatus(kind Kind, status string) bool {
	switch kind {
	case KindConsultation:
		return strings.HasPrefix(status, "consultorio")
	case KindLab:
		return status == LabInProgress
	case KindSurgery:
		return status == SurgeryInProcess
	default:
		return false
	}
}

// IsClosedStatus reports whether status ends the record's workflow.
func IsClosedStatus(kind Kind, status string) bool {
	switch kind {
	case KindConsultation:
		return status == StatusFinished || status == StatusClientLeft
	case KindLab:
		return status == LabDelivered
	case KindSurgery:
		return status == SurgeryDischarge
	default:
		return false
	}
}
