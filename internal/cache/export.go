package cache

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Export writes every cached message body as an .eml file under
// dstDir/<folder>/. Folders with no cached bodies produce no directory.
// Returns the number of messages written.
func (s *Store) Export(dstDir string) (int, error) {
	folders, ok := s.GetFolders()
	if !ok {
		return 0, fmt.Errorf("no cached folder list to export")
	}

	total := 0
	for _, folder := range folders {
		uids, ok := s.GetUids(folder)
		if !ok {
			continue
		}

		bodys := s.GetBodys(folder, uids, false)
		if len(bodys) == 0 {
			continue
		}

		folderDir := filepath.Join(dstDir, sanitizeFolderName(folder))
		if err := os.MkdirAll(folderDir, 0700); err != nil {
			return total, fmt.Errorf("failed to create export directory: %v", err)
		}

		for uid, body := range bodys {
			if body.Empty() {
				continue
			}
			path := filepath.Join(folderDir, fmt.Sprintf("%d.eml", uid))
			if err := os.WriteFile(path, []byte(body.Raw), 0600); err != nil {
				return total, fmt.Errorf("failed to write %s: %v", path, err)
			}
			total++
		}

		log.Printf("cache: exported %s", folder)
	}

	return total, nil
}
