package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Kind identifies one of the clinic's record collections.
type Kind string

const (
	// KindConsultation is the consultation ticket queue.
	KindConsultation Kind = "tickets"
	// KindLab is the laboratory order list.
	KindLab Kind = "laboTickets"
	// KindSurgery is the operating-room schedule.
	KindSurgery Kind = "quirofanoTickets"
)

// Kinds returns every record kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindConsultation, KindLab, KindSurgery}
}

// Collection returns the store path holding records of this kind.
func (k Kind) Collection() string {
	return string(k)
}

// String returns a short human-readable label.
func (k Kind) String() string {
	switch k {
	case KindConsultation:
		return "consulta"
	case KindLab:
		return "laboratorio"
	case KindSurgery:
		return "quirofano"
	default:
		return "unknown"
	}
}

// ParseKind accepts either the collection name or the short label.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tickets", "consulta", "consultation":
		return KindConsultation, nil
	case "labotickets", "laboratorio", "lab":
		return KindLab, nil
	case "quirofanotickets", "quirofano", "quirófano", "surgery":
		return KindSurgery, nil
	default:
		return "", fmt.Errorf("unknown record kind %q", s)
	}
}

// DayLayout is the format of the logical day a record belongs to.
const DayLayout = "2006-01-02"

// DayOf returns the logical day string for t.
func DayOf(t time.Time) string {
	return t.Format(DayLayout)
}

// EditEntry is one line of a record's edit history.
type EditEntry struct {
	User   string   `json:"usuario"`
	At     int64    `json:"fecha"`
	Fields []string `json:"campos,omitempty"`
}

// Record is a consultation ticket, lab order or surgery booking.
// The three kinds share this structure; kind-specific fields are simply
// left empty on the others.
type Record struct {
	// ===== Identity =====
	RemoteKey string `json:"-"`
	Kind      Kind   `json:"-"`
	DisplayID int    `json:"id"`
	ClientID  string `json:"randomId,omitempty"`

	// ===== Patient =====
	OwnerName string `json:"nombre,omitempty"`
	PetName   string `json:"mascota,omitempty"`

	// ===== Workflow (drives filtering and grouping) =====
	Status  string `json:"estado,omitempty"`
	Day     string `json:"fecha,omitempty"`
	Urgency string `json:"urgencia,omitempty"`

	// ===== Display-only =====
	Reason string `json:"motivo,omitempty"`
	Doctor string `json:"doctor,omitempty"`

	// ===== Locally precious =====
	BillingNote string      `json:"porCobrar,omitempty"`
	EditHistory []EditEntry `json:"historialEdiciones,omitempty"`
	CreatedBy   string      `json:"creadoPor,omitempty"`
	CreatedAt   int64       `json:"fechaCreacion,omitempty"`

	// ===== Timestamps (unix ms) =====
	ServiceStartedAt int64 `json:"horaAtencion,omitempty"`
	LastEditedAt     int64 `json:"ultimaEdicion,omitempty"`

	// ===== Lab orders =====
	Exams []string `json:"examenes,omitempty"`
	Lab   string   `json:"laboratorio,omitempty"`

	// ===== Surgery bookings =====
	Procedure   string `json:"procedimiento,omitempty"`
	ScheduledAt int64  `json:"horaProgramada,omitempty"`
}

// Field names referenced outside this package.
const (
	FieldDisplayID   = "id"
	FieldStatus      = "estado"
	FieldDay         = "fecha"
	FieldUrgency     = "urgencia"
	FieldBillingNote = "porCobrar"
	FieldEditHistory = "historialEdiciones"
	FieldCreatedBy   = "creadoPor"
	FieldCreatedAt   = "fechaCreacion"
	FieldServiceAt   = "horaAtencion"
	FieldLastEdited  = "ultimaEdicion"
	FieldExams       = "examenes"
)

// GroupingFields are the fields that decide which filtered view and which
// group a record is shown in.
var GroupingFields = []string{FieldStatus, FieldDay, FieldUrgency}

// BookkeepingFields change on every edit and never count as a user change.
var BookkeepingFields = []string{FieldLastEdited, FieldEditHistory}

// Urgency classes.
const (
	UrgencyNormal    = "normal"
	UrgencyUrgent    = "urgente"
	UrgencyEmergency = "emergencia"
)

// Decode parses a stored JSON value into a Record of the given kind.
// Decoding does not validate; call Validate to detect malformed records.
func Decode(kind Kind, key string, raw json.RawMessage) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record %s: %w", kind, key, err)
	}
	rec.Kind = kind
	rec.RemoteKey = key
	return &rec, nil
}

// Path returns the store path of this record. Empty until the record has a
// remote key.
func (r *Record) Path() string {
	if r.RemoteKey == "" {
		return ""
	}
	return r.Kind.Collection() + "/" + r.RemoteKey
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.EditHistory != nil {
		c.EditHistory = make([]EditEntry, len(r.EditHistory))
		for i, e := range r.EditHistory {
			e.Fields = append([]string(nil), e.Fields...)
			c.EditHistory[i] = e
		}
	}
	if r.Exams != nil {
		c.Exams = append([]string(nil), r.Exams...)
	}
	return &c
}

// Fields returns the stored fields keyed by JSON name. Empty optional fields
// are absent, matching what the store would hold.
func (r *Record) Fields() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		// Record contains only marshalable types.
		panic(fmt.Sprintf("schema: marshal record: %v", err))
	}
	fields := make(map[string]any)
	_ = json.Unmarshal(data, &fields)
	return fields
}

// Pick returns the named stored fields. Names the record does not hold map
// to nil so that a partial update clears them.
func (r *Record) Pick(names ...string) map[string]any {
	all := r.Fields()
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = all[name]
	}
	return out
}

// ApplyFields overlays a partial update onto the record. A nil value removes
// the field, the way a null in a partial store update does.
func (r *Record) ApplyFields(fields map[string]any) error {
	current := r.Fields()
	for name, value := range fields {
		if value == nil {
			delete(current, name)
			continue
		}
		current[name] = value
	}
	return r.replaceFields(current)
}

func (r *Record) replaceFields(fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}
	next := Record{Kind: r.Kind, RemoteKey: r.RemoteKey}
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("failed to apply fields to %s: %w", r.RemoteKey, err)
	}
	*r = next
	return nil
}

// Diff returns the sorted names of stored fields whose values differ
// between a and b.
func Diff(a, b *Record) []string {
	af, bf := a.Fields(), b.Fields()
	var changed []string
	for name, av := range af {
		if bv, ok := bf[name]; !ok || !reflect.DeepEqual(av, bv) {
			changed = append(changed, name)
		}
	}
	for name := range bf {
		if _, ok := af[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// WithoutBookkeeping drops bookkeeping field names from a diff.
func WithoutBookkeeping(fields []string) []string {
	out := fields[:0:0]
	for _, f := range fields {
		if !contains(BookkeepingFields, f) {
			out = append(out, f)
		}
	}
	return out
}

// Touches reports whether any of names appears in fields.
func Touches(fields []string, names ...string) bool {
	for _, n := range names {
		if contains(fields, n) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SetDefaults fills the fields a freshly created record must carry.
func (r *Record) SetDefaults(now time.Time) {
	if r.Status == "" {
		r.Status = InitialStatus(r.Kind)
	}
	if r.Day == "" {
		r.Day = DayOf(now)
	}
	if r.Urgency == "" {
		r.Urgency = UrgencyNormal
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = now.UnixMilli()
	}
}

// Touch records an edit by user at now in the bookkeeping fields.
func (r *Record) Touch(user string, now time.Time, fields []string) {
	r.LastEditedAt = now.UnixMilli()
	r.EditHistory = append(r.EditHistory, EditEntry{
		User:   user,
		At:     now.UnixMilli(),
		Fields: append([]string(nil), fields...),
	})
}

// Name returns the best human-facing name for the record.
func (r *Record) Name() string {
	if r.PetName != "" {
		return r.PetName
	}
	return r.OwnerName
}
