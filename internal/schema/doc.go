// Package schema defines the records kept in the clinic's realtime database.
//
// # Overview
//
// Three entity kinds share one structure: consultation tickets (tickets),
// laboratory orders (laboTickets) and operating-room bookings
// (quirofanoTickets). Each lives under its own collection path and is stored
// as a flat JSON object whose field names are the ones the clinic front desk
// has always used:
//
//	{
//	  "id": 12,
//	  "randomId": "6f1c0a4e-...",
//	  "nombre": "Laura Gómez",
//	  "mascota": "Firulais",
//	  "estado": "espera",
//	  "fecha": "2026-10-18",
//	  "urgencia": "normal",
//	  "porCobrar": "--- [2026-10-18 09:14] ana | #12 Firulais ---\nconsulta general\n",
//	  "creadoPor": "ana",
//	  "fechaCreacion": 1792314840000
//	}
//
// # Identity
//
// A record is addressed by the key the store assigns on push (RemoteKey).
// "id" is a per-day display number and "randomId" a client token generated
// before the first write. A record without a display number or without a
// pet/owner name is malformed; see [Record.Validate].
//
// # Billing Note
//
// "porCobrar" is append-only. New text is always added as a new entry with a
// header naming the time, the user, the display number and the pet, so that
// entries can be merged ([MergeBillingNotes]) and checked
// ([CheckBillingIntegrity]) later.
//
// # Field Preservation
//
// When a remote update for a known record arrives, most fields take the
// incoming value. The fields named in a [PreservationTable] are protected
// instead: they keep their local value if the update omits them, or are
// merged entry-wise for the billing note. See [Merge].
//
// # Status
//
// Status values are plain strings with no enforced transition graph. The one
// side effect of a status change (stamping "horaAtencion" when the patient is
// first seen) lives in [Transition].
package schema
