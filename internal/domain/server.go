package domain

import "time"

// ServerStatus is one Server List Ping result for the Minecraft server.
// Online is false when the server could not be reached; the counts are then zero.
type ServerStatus struct {
	Address       string    `json:"address"`
	Online        bool      `json:"online"`
	PlayersOnline int       `json:"players_online"`
	PlayersMax    int       `json:"players_max"`
	Version       string    `json:"version,omitempty"`
	Protocol      int       `json:"protocol,omitempty"`
	Players       []string  `json:"players,omitempty"` // sample names, when the server sends them
	LastUpdated   time.Time `json:"last_updated"`
}

// SameAs reports whether two snapshots would render the same externally
// visible state (online flag and player counts).
func (s *ServerStatus) SameAs(other *ServerStatus) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Online == other.Online &&
		s.PlayersOnline == other.PlayersOnline &&
		s.PlayersMax == other.PlayersMax
}
