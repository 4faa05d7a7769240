// Package consent finds surgery bookings and records the consent forms
// sent for them.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/clinicavet/vetsync/internal/mirror"
	"github.com/clinicavet/vetsync/internal/notify"
	"github.com/clinicavet/vetsync/internal/offline"
	"github.com/clinicavet/vetsync/internal/remote"
	"github.com/clinicavet/vetsync/internal/schema"
)

// Collection is where consent dispatches are stored.
const Collection = "consentimientos"

// Forms are the consent forms that can be sent.
var Forms = []string{"anestesia", "cirugia", "eutanasia", "hospitalizacion"}

var (
	// ErrUnknownSurgery means the surgery key is not in the mirror.
	ErrUnknownSurgery = errors.New("unknown surgery booking")
	// ErrUnknownForm means the form name is not one of Forms.
	ErrUnknownForm = errors.New("unknown consent form")
)

// UnavailableMessage is shown when surgery bookings could not be loaded.
const UnavailableMessage = "No se pudieron cargar las cirugías. La búsqueda de consentimientos no está disponible."

// Waiter blocks until a collection has loaded.
type Waiter interface {
	WaitForCollection(ctx context.Context, kind schema.Kind) error
}

// Dispatch is one stored consent dispatch.
type Dispatch struct {
	SurgeryKey string `json:"quirofanoKey"`
	Form       string `json:"formulario"`
	PetName    string `json:"mascota,omitempty"`
	OwnerName  string `json:"nombre,omitempty"`
	SentBy     string `json:"enviadoPor"`
	SentAt     int64  `json:"fecha"`
}

// Config holds Dispatcher settings.
type Config struct {
	User     string
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// Dispatcher searches the surgery mirror and writes consent dispatches.
type Dispatcher struct {
	waiter Waiter
	mirror *mirror.Mirror
	store  remote.Store
	cfg    Config
	log    *zap.Logger
}

// New returns a Dispatcher over the surgery mirror m.
func New(waiter Waiter, m *mirror.Mirror, store remote.Store, cfg Config) *Dispatcher {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{waiter: waiter, mirror: m, store: store, cfg: cfg, log: cfg.Logger.Named("consent")}
}

// Search returns the surgery bookings whose pet name, owner name or display
// number contain every word of text, ignoring case and accents. An empty
// text matches everything. Search waits for the surgery collection first;
// if it does not load in time the feature is unavailable.
func (d *Dispatcher) Search(ctx context.Context, text string) ([]*schema.Record, error) {
	if err := d.waiter.WaitForCollection(ctx, schema.KindSurgery); err != nil {
		d.log.Error("surgery collection unavailable", zap.Error(err))
		notify.Error(d.cfg.Notifier, UnavailableMessage)
		return nil, err
	}
	words := strings.Fields(Normalize(text))
	return d.mirror.CurrentView(func(rec *schema.Record) bool {
		hay := Normalize(rec.PetName + " " + rec.OwnerName + " " + strconv.Itoa(rec.DisplayID))
		for _, w := range words {
			if !strings.Contains(hay, w) {
				return false
			}
		}
		return true
	}), nil
}

// Send records that form was sent for the surgery booking surgeryKey and
// returns the dispatch key. The key is empty if the write was queued.
func (d *Dispatcher) Send(ctx context.Context, surgeryKey, form string) (string, error) {
	form = strings.ToLower(strings.TrimSpace(form))
	if !isForm(form) {
		return "", fmt.Errorf("%q: %w", form, ErrUnknownForm)
	}
	rec, ok := d.mirror.Get(surgeryKey)
	if !ok {
		return "", fmt.Errorf("%s: %w", surgeryKey, ErrUnknownSurgery)
	}

	dispatch := Dispatch{
		SurgeryKey: surgeryKey,
		Form:       form,
		PetName:    rec.PetName,
		OwnerName:  rec.OwnerName,
		SentBy:     d.cfg.User,
		SentAt:     d.cfg.Now().UnixMilli(),
	}
	key, err := d.store.Push(ctx, Collection, dispatch)
	switch {
	case err == nil:
		d.log.Info("consent sent", zap.String("surgery", surgeryKey), zap.String("form", form), zap.String("key", key))
		return key, nil
	case errors.Is(err, offline.ErrQueued):
		d.log.Info("consent queued until reconnect", zap.String("surgery", surgeryKey), zap.String("form", form))
		return "", nil
	default:
		d.log.Error("failed to send consent", zap.String("surgery", surgeryKey), zap.Error(err))
		notify.Error(d.cfg.Notifier, "No se pudo registrar el consentimiento. Intente de nuevo.")
		return "", fmt.Errorf("failed to record consent for %s: %w", surgeryKey, err)
	}
}

func isForm(form string) bool {
	for _, f := range Forms {
		if f == form {
			return true
		}
	}
	return false
}

// Normalize lowercases s and strips diacritics, so "Pérez" matches "perez".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
