package hypervisor

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/javanstorm/vmconsole/pkg/hypervisor/savedstate"
)

// SaveUnits runs every unit's Save callback and writes the results to path.
func SaveUnits(path string, units []Unit) error {
	records := make([]savedstate.Unit, 0, len(units))
	for _, u := range units {
		var buf bytes.Buffer
		if u.Save != nil {
			if err := u.Save(&buf); err != nil {
				return fmt.Errorf("save unit %s: %w", u.Name, err)
			}
		}
		records = append(records, savedstate.Unit{
			Name:     u.Name,
			Instance: u.Instance,
			Version:  u.Version,
			Data:     buf.Bytes(),
		})
	}
	return savedstate.Write(path, records)
}

// LoadUnits feeds every registered unit found in path to its Load callback.
// Units absent from the file are skipped.
func LoadUnits(path string, units []Unit) error {
	f, err := savedstate.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, u := range units {
		version, data, err := f.Seek(u.Name, u.Instance)
		if errors.Is(err, savedstate.ErrUnitNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seek unit %s: %w", u.Name, err)
		}
		if u.Load == nil {
			continue
		}
		if err := u.Load(bytes.NewReader(data), version); err != nil {
			return fmt.Errorf("load unit %s: %w", u.Name, err)
		}
	}
	return nil
}
