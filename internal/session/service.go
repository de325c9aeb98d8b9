// Package session keeps the call-history bookkeeping: at most one open
// session row per pair of users, closed idempotently, retained forever.
package session

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/cofoundhq/cofound/internal/rooms"
	"github.com/cofoundhq/cofound/internal/storage"
	"github.com/cofoundhq/cofound/internal/wire"
)

// Service is the idempotent record-keeper for call sessions.
type Service struct {
	db *storage.DB
}

func NewService(db *storage.DB) *Service {
	return &Service{db: db}
}

// Start finds the open session for the unordered {hostID, partnerID} pair
// and returns its id (join semantics), or inserts a new row if none exists.
//
// The find-then-insert window is not atomic: if both peers insert in the
// same instant, two open rows can briefly exist. FindOpenSession orders by
// started_at, so every later call converges on the oldest row and the
// duplicate is closed along with it at call end.
func (s *Service) Start(hostID, partnerID, callType string) (string, error) {
	if callType != wire.CallTypeAudio && callType != wire.CallTypeVideo {
		return "", fmt.Errorf("unknown call type %q", callType)
	}
	if hostID == partnerID {
		return "", fmt.Errorf("cannot start a session with self")
	}

	if row, ok := s.db.FindOpenSession(hostID, partnerID); ok {
		log.Printf("SESSION: joining open session %s for %s/%s", row.ID, hostID, partnerID)
		return row.ID, nil
	}

	row := storage.SessionRow{
		ID:        uuid.NewString(),
		RoomID:    rooms.RoomID(hostID, partnerID),
		HostID:    hostID,
		PartnerID: partnerID,
		CallType:  callType,
	}
	if err := s.db.InsertSession(row); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	log.Printf("SESSION: started %s (%s) for %s/%s", row.ID, callType, hostID, partnerID)
	return row.ID, nil
}

// End closes the session. Ending an already-ended session is a no-op, not
// an error, and never moves the original end timestamp.
func (s *Service) End(sessionID string) error {
	if err := s.db.CloseSession(sessionID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// Get returns one session row by id.
func (s *Service) Get(sessionID string) (storage.SessionRow, bool) {
	return s.db.GetSession(sessionID)
}

// History returns every session the user took part in, newest first.
func (s *Service) History(userID string) ([]storage.SessionRow, error) {
	return s.db.ListSessionsForUser(userID)
}
