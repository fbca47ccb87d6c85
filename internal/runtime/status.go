package runtime

import (
	"net/http"
	"sort"

	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	"github.com/drblury/creditflow/internal/runtime/metrics"
)

// ChannelStatus describes one configured channel.
type ChannelStatus struct {
	Name      string                `json:"name"`
	Address   string                `json:"address"`
	Strategy  string                `json:"failure_strategy"`
	State     string                `json:"state"`
	Transport string                `json:"transport"`
	Stats     *metrics.ChannelStats `json:"stats,omitempty"`
}

// Channels reports every configured channel sorted by name. Channels without
// a bridge yet report the state "idle".
func (s *Service) Channels() []ChannelStatus {
	names := make([]string, 0, len(s.Conf.Channels))
	for name := range s.Conf.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChannelStatus, 0, len(names))
	for _, name := range names {
		ch, _ := s.Conf.Channel(name)
		status := ChannelStatus{
			Name:      name,
			Address:   ch.Address,
			Strategy:  ch.FailureStrategy,
			State:     "idle",
			Transport: s.connector.Name(),
			Stats:     s.metrics.GetChannelStats(name),
		}
		if b, ok := s.bridges[name]; ok {
			status.State = b.State().String()
		}
		out = append(out, status)
	}
	return out
}

func (s *Service) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, s.Channels()); err != nil {
		s.Logger.Error("Failed to encode channel status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
