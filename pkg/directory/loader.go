package directory

import (
	"encoding/json"
	"os"

	"voicegate-server/pkg/errors"
)

type fileEntry struct {
	Name       string `json:"name"`
	Department string `json:"department"`
	Email      string `json:"email"`
}

// LoadFile seeds a store partition from a JSON file holding an array of
// {name, department, email} objects. Keys are derived from the normalized
// name and department. Returns the number of entries loaded.
func LoadFile(store *MemoryStore, partition, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read directory file",
			map[string]interface{}{"path": path})
	}

	var raw []fileEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, errors.Wrap(err, "directory file is not a JSON entry array",
			map[string]interface{}{"path": path})
	}

	loaded := 0
	for _, fe := range raw {
		if NormalizeName(fe.Name) == "" {
			continue
		}
		store.Put(partition, Entry{
			Key:        EntryKey(fe.Name, fe.Department),
			Name:       fe.Name,
			Department: fe.Department,
			Email:      fe.Email,
		})
		loaded++
	}
	return loaded, nil
}
