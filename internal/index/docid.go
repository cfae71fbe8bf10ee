package index

import (
	"fmt"
	"strconv"
	"strings"
)

// Document ids are folder + "_" + uid. Folder names may themselves
// contain underscores, so splitting always uses the last one; the uid
// part never contains an underscore.

func DocID(folder string, uid uint32) string {
	return fmt.Sprintf("%s_%d", folder, uid)
}

func FolderFromDocID(docid string) string {
	idx := strings.LastIndex(docid, "_")
	if idx == -1 {
		return ""
	}
	return docid[:idx]
}

func UIDFromDocID(docid string) uint32 {
	idx := strings.LastIndex(docid, "_")
	if idx == -1 {
		return 0
	}
	uid, err := strconv.ParseUint(docid[idx+1:], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(uid)
}
