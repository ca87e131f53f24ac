package console

import (
	"sync"

	"github.com/javanstorm/vmconsole/internal/config"
)

// IndicatorType classifies device status indicators.
type IndicatorType int

const (
	IndicatorHardDisk IndicatorType = iota
	IndicatorOptical
	IndicatorFloppy
	IndicatorNetwork
	IndicatorSerial
	IndicatorSharedFolders
	IndicatorUSB
	indicatorTypes
)

var indicatorNames = [indicatorTypes]string{
	IndicatorHardDisk:      "hard-disk",
	IndicatorOptical:       "optical",
	IndicatorFloppy:        "floppy",
	IndicatorNetwork:       "network",
	IndicatorSerial:        "serial",
	IndicatorSharedFolders: "shared-folders",
	IndicatorUSB:           "usb",
}

func (t IndicatorType) String() string {
	if t < 0 || t >= indicatorTypes {
		return "unknown"
	}
	return indicatorNames[t]
}

func storageIndicator(mediumType string) IndicatorType {
	switch mediumType {
	case config.MediumDVD:
		return IndicatorOptical
	case config.MediumFloppy:
		return IndicatorFloppy
	default:
		return IndicatorHardDisk
	}
}

// Indicator is the status of one device slot.
type Indicator struct {
	Type     IndicatorType
	Device   string
	Attached bool
}

// indicatorSet is an arena of indicator slots. A slot keeps its index for
// the lifetime of a run; the per-type index is rebuilt lazily whenever a
// slot was added.
type indicatorSet struct {
	mu     sync.Mutex
	slots  []Indicator
	gen    uint64
	built  uint64
	byType [indicatorTypes][]int
}

func newIndicatorSet() *indicatorSet {
	return &indicatorSet{}
}

func (l *indicatorSet) find(t IndicatorType, device string) int {
	for i, s := range l.slots {
		if s.Type == t && s.Device == device {
			return i
		}
	}
	return -1
}

func (l *indicatorSet) set(t IndicatorType, device string, attached bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.find(t, device); i >= 0 {
		l.slots[i].Attached = attached
		return i
	}
	l.slots = append(l.slots, Indicator{Type: t, Device: device, Attached: attached})
	l.gen++
	return len(l.slots) - 1
}

func (l *indicatorSet) attach(t IndicatorType, device string) int {
	return l.set(t, device, true)
}

func (l *indicatorSet) detach(t IndicatorType, device string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.find(t, device); i >= 0 {
		l.slots[i].Attached = false
	}
}

// ofType returns the indicators of type t in slot order.
func (l *indicatorSet) ofType(t IndicatorType) []Indicator {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.built != l.gen {
		for i := range l.byType {
			l.byType[i] = l.byType[i][:0]
		}
		for i, s := range l.slots {
			l.byType[s.Type] = append(l.byType[s.Type], i)
		}
		l.built = l.gen
	}
	out := make([]Indicator, 0, len(l.byType[t]))
	for _, i := range l.byType[t] {
		out = append(out, l.slots[i])
	}
	return out
}

func (l *indicatorSet) reset() {
	l.mu.Lock()
	l.slots = nil
	l.gen++
	l.mu.Unlock()
}

// Indicators returns the status indicators of type t.
func (s *Session) Indicators(t IndicatorType) []Indicator {
	if t < 0 || t >= indicatorTypes {
		return nil
	}
	return s.indicators.ofType(t)
}
