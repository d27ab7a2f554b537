// Package catalog joins scan observations with remembered credentials into
// the list presented to the user, and maps selector output back onto it.
package catalog

import (
	"sort"

	"dmxwifi/credstore"
	"dmxwifi/scan"
)

// Entry is one network in the presented list.
type Entry struct {
	SSID    string
	Saved   bool
	InRange bool
	Signal  int
	Secured bool
	// Rank is the entry's position in the merged list.
	Rank int
}

// Merge builds the catalog: one entry per identifier seen in either input,
// keeping the strongest observation of each. Saved networks come first, then
// stronger signals, then identifiers in ascending order. Observations with
// an empty SSID are left out since nothing can be saved or joined for them.
func Merge(observations []scan.Observation, credentials credstore.Library) []Entry {
	best := make(map[string]scan.Observation, len(observations))
	for _, o := range observations {
		if o.SSID == "" {
			continue
		}
		if existing, ok := best[o.SSID]; !ok || o.Signal > existing.Signal {
			best[o.SSID] = o
		}
	}

	entries := make([]Entry, 0, len(best)+len(credentials))
	for ssid, o := range best {
		_, saved := credentials[ssid]
		entries = append(entries, Entry{
			SSID:    ssid,
			Saved:   saved,
			InRange: true,
			Signal:  o.Signal,
			Secured: o.Secured,
		})
	}
	for ssid := range credentials {
		if _, seen := best[ssid]; seen || ssid == "" {
			continue
		}
		entries = append(entries, Entry{SSID: ssid, Saved: true, Signal: scan.MinSignal})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Saved != b.Saved {
			return a.Saved
		}
		if a.Signal != b.Signal {
			return a.Signal > b.Signal
		}
		return a.SSID < b.SSID
	})
	for i := range entries {
		entries[i].Rank = i
	}
	return entries
}

// Lookup finds the entry for ssid.
func Lookup(entries []Entry, ssid string) (Entry, bool) {
	for _, e := range entries {
		if e.SSID == ssid {
			return e, true
		}
	}
	return Entry{}, false
}

// Saved returns only the entries with a remembered credential, in order.
func Saved(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Saved {
			out = append(out, e)
		}
	}
	return out
}
