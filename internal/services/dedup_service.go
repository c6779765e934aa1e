package services

import (
	"log"
	"time"

	"github.com/patrickmn/go-cache"
)

// DedupService remembers recently seen webhook delivery IDs so redelivered
// events are dropped instead of enqueued twice. Entries expire on their
// own; the window only needs to cover the channel's redelivery horizon.
type DedupService struct {
	seen *cache.Cache
}

// NewDedupService creates a dedup service with the given remember window.
func NewDedupService(window time.Duration) *DedupService {
	return &DedupService{
		seen: cache.New(window, 10*time.Minute),
	}
}

// FirstSeen records deliveryID and reports whether this is the first
// time it was seen inside the window.
func (s *DedupService) FirstSeen(deliveryID string) bool {
	if deliveryID == "" {
		// No delivery ID means we cannot dedup; let it through.
		return true
	}

	if err := s.seen.Add(deliveryID, struct{}{}, cache.DefaultExpiration); err != nil {
		log.Printf("🔁 [WEBHOOK] Duplicate delivery dropped: %s", deliveryID)
		return false
	}
	return true
}

// Count returns the number of delivery IDs currently remembered.
func (s *DedupService) Count() int {
	return s.seen.ItemCount()
}
