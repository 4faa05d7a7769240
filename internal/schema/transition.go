package schema

import "time"

// Transition moves r to status and applies the side effects of entering it.
// Any status may follow any other. The first time a record enters a service
// status, horaAtencion is stamped with now; later transitions keep it.
//
// Returns the names of the fields that changed.
func Transition(r *Record, status string, now time.Time) []string {
	if r.Status == status {
		return nil
	}
	r.Status = status
	changed := []string{FieldStatus}
	if IsServiceStatus(r.Kind, status) && r.ServiceStartedAt == 0 {
		r.ServiceStartedAt = now.UnixMilli()
		changed = append(changed, FieldServiceAt)
	}
	return changed
}
