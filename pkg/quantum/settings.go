package quantum

import "fmt"

// ConstellationSettings describe the node set and the tradable universe.
// Every asset in Assets is traded against QuoteAsset in a market named after it.
type ConstellationSettings struct {
	Alpha          NodeID
	Nodes          []NodeID
	QuoteAsset     string
	Assets         []string
	MinOrderAmount int64
	Providers      []string
}

func (s *ConstellationSettings) Validate() error {
	if s.Alpha == "" {
		return Errorf(StatusBadRequest, "alpha is not set")
	}
	if !s.HasNode(s.Alpha) {
		return Errorf(StatusBadRequest, "alpha %s is not a constellation node", s.Alpha.Short())
	}
	seen := make(map[NodeID]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		if _, dup := seen[n]; dup {
			return Errorf(StatusBadRequest, "duplicate node %s", n.Short())
		}
		seen[n] = struct{}{}
	}
	if s.QuoteAsset == "" {
		return Errorf(StatusBadRequest, "quote asset is not set")
	}
	assets := map[string]struct{}{s.QuoteAsset: {}}
	for _, a := range s.Assets {
		if a == "" {
			return Errorf(StatusBadRequest, "empty asset code")
		}
		if _, dup := assets[a]; dup {
			return Errorf(StatusBadRequest, "duplicate asset %s", a)
		}
		assets[a] = struct{}{}
	}
	if s.MinOrderAmount < 0 {
		return Errorf(StatusBadRequest, "negative min order amount")
	}
	return nil
}

func (s *ConstellationSettings) HasNode(id NodeID) bool {
	for _, n := range s.Nodes {
		if n == id {
			return true
		}
	}
	return false
}

// HasAsset reports whether asset is the quote asset or a listed asset.
func (s *ConstellationSettings) HasAsset(asset string) bool {
	if asset == s.QuoteAsset {
		return true
	}
	for _, a := range s.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

func (s *ConstellationSettings) HasProvider(p string) bool {
	for _, x := range s.Providers {
		if x == p {
			return true
		}
	}
	return false
}

func (s *ConstellationSettings) Clone() *ConstellationSettings {
	if s == nil {
		return nil
	}
	c := *s
	c.Nodes = append([]NodeID(nil), s.Nodes...)
	c.Assets = append([]string(nil), s.Assets...)
	c.Providers = append([]string(nil), s.Providers...)
	return &c
}

func (s *ConstellationSettings) String() string {
	return fmt.Sprintf("alpha=%s nodes=%d quote=%s assets=%v", s.Alpha.Short(), len(s.Nodes), s.QuoteAsset, s.Assets)
}

func (s *ConstellationSettings) encode(e *Encoder) {
	e.PutString(string(s.Alpha))
	e.PutUint64(uint64(len(s.Nodes)))
	for _, n := range s.Nodes {
		e.PutString(string(n))
	}
	e.PutString(s.QuoteAsset)
	e.PutUint64(uint64(len(s.Assets)))
	for _, a := range s.Assets {
		e.PutString(a)
	}
	e.PutInt64(s.MinOrderAmount)
	e.PutUint64(uint64(len(s.Providers)))
	for _, p := range s.Providers {
		e.PutString(p)
	}
}

// Encode writes the canonical form of the settings.
func (s *ConstellationSettings) Encode(e *Encoder) { s.encode(e) }
