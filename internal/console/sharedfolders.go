package console

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/savedstate"
)

// The console's own saved-state unit.
const (
	consoleUnitName    = "ConsoleData"
	consoleUnitVersion = 0x00020000
)

func unitMajor(v uint32) uint32 { return v >> 16 }

type folderRecord struct {
	Name      string `cbor:"1,keyasint"`
	HostPath  string `cbor:"2,keyasint"`
	Writable  bool   `cbor:"3,keyasint,omitempty"`
	AutoMount bool   `cbor:"4,keyasint,omitempty"`
}

type consoleData struct {
	Folders []folderRecord `cbor:"1,keyasint"`
}

func encodeConsoleData(folders []config.SharedFolder) ([]byte, error) {
	data := consoleData{Folders: make([]folderRecord, 0, len(folders))}
	for _, f := range folders {
		data.Folders = append(data.Folders, folderRecord{
			Name:      f.Name,
			HostPath:  f.HostPath,
			Writable:  f.Writable,
			AutoMount: f.AutoMount,
		})
	}
	return cbor.Marshal(data)
}

func decodeConsoleData(b []byte, version uint32) ([]config.SharedFolder, error) {
	if unitMajor(version) != unitMajor(consoleUnitVersion) {
		return nil, fmt.Errorf("%s version %#x: %w", consoleUnitName, version, ErrUnsupportedUnitVersion)
	}
	var data consoleData
	if err := cbor.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", consoleUnitName, err)
	}
	folders := make([]config.SharedFolder, 0, len(data.Folders))
	for _, f := range data.Folders {
		folders = append(folders, config.SharedFolder{
			Name:      f.Name,
			HostPath:  f.HostPath,
			Writable:  f.Writable,
			AutoMount: f.AutoMount,
		})
	}
	return folders, nil
}

// readConsoleData reads the shared folders out of a saved state before the
// engine is created. A file without the unit yields no folders.
//
// Only this unit's version is checked here. The engine checks its own units
// in LoadState, after the session already took over the folders read here,
// so a restore that fails there leaves those folders in place.
func readConsoleData(path string) ([]config.SharedFolder, error) {
	f, err := savedstate.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	version, b, err := f.Seek(consoleUnitName, 0)
	if errors.Is(err, savedstate.ErrUnitNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("seek %s: %w", consoleUnitName, err)
	}
	return decodeConsoleData(b, version)
}

// consoleUnit is registered with every engine the session creates.
func (s *Session) consoleUnit() hypervisor.Unit {
	return hypervisor.Unit{
		Name:    consoleUnitName,
		Version: consoleUnitVersion,
		Save: func(w io.Writer) error {
			s.mu.RLock()
			b, err := encodeConsoleData(s.folders)
			s.mu.RUnlock()
			if err != nil {
				return err
			}
			_, err = w.Write(b)
			return err
		},
		Load: func(r io.Reader, version uint32) error {
			b, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			folders, err := decodeConsoleData(b, version)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.folders = folders
			s.mu.Unlock()
			return nil
		},
	}
}

func sharedDirs(folders []config.SharedFolder) (dirs map[string]string, readOnly map[string]bool) {
	if len(folders) == 0 {
		return nil, nil
	}
	dirs = make(map[string]string, len(folders))
	readOnly = make(map[string]bool, len(folders))
	for _, f := range folders {
		dirs[f.Name] = f.HostPath
		readOnly[f.Name] = !f.Writable
	}
	return dirs, readOnly
}
