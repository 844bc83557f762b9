// Package campaign implements campaign lifecycle and delivery.
//
// A campaign moves DRAFT -> SCHEDULED -> SENDING -> SENT, or to CANCELLED
// from any non-final state. Delivery is split in two: the Materializer
// freezes the segment into per-recipient rows exactly once, and the Sender
// walks PENDING rows at a paced rate under the tenant's daily cap. Both are
// re-entrant; the Dispatcher drives them from the scheduler tick.
//
// Repository implementations live in repository/postgres/.
package campaign
