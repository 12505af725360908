package model

import (
	"fmt"
	"strings"
)

// Archive layout, relative to the store root:
//
//	blobs/{aa}/{digest}          content-addressed objects
//	chunks/{aa}/{digest}         CDC chunk objects
//	trees/{digest}.json          tree descriptors
//	commits/{id}.json            commit descriptors
//	sessions/{id}.json           session descriptors
//	refs/{class}/{name}.json     ref table
//	journal/{seq016}-{op}        WAL records
//	packs/{id}.pack(.idx)        consolidated small objects
//	quarantine/{op}.json         replay anomalies held for review
//
// The layout is conceptual, not contractual: journal plus objects
// remain the source of truth and everything else can be rebuilt.

// GetArchivePathToBlob addresses a blob by its digest, with a two
// character fan-out to keep directories shallow.
func GetArchivePathToBlob(hash string) string {
	return fmt.Sprint("blobs/", fanout(hash))
}

// GetArchivePathToChunk addresses a CDC chunk by its digest.
func GetArchivePathToChunk(hash string) string {
	return fmt.Sprint("chunks/", fanout(hash))
}

func fanout(hash string) string {
	if len(hash) < 2 {
		return hash
	}
	return fmt.Sprint(hash[:2], "/", hash)
}

// GetArchivePathToTree addresses a tree descriptor by its digest.
func GetArchivePathToTree(hash string) string {
	return fmt.Sprint("trees/", hash, ".json")
}

// GetArchivePathToCommit addresses a commit descriptor by its id.
func GetArchivePathToCommit(id string) string {
	return fmt.Sprint("commits/", id, ".json")
}

// GetArchivePathToSession addresses a session descriptor.
func GetArchivePathToSession(id string) string {
	return fmt.Sprint("sessions/", id, ".json")
}

// GetArchivePathToRef addresses a ref descriptor.
func GetArchivePathToRef(class RefClass, name string) string {
	return fmt.Sprint("refs/", string(class), "/", name, ".json")
}

// GetArchivePathPrefixToRefs yields the scan prefix for one ref class.
func GetArchivePathPrefixToRefs(class RefClass) string {
	return fmt.Sprint("refs/", string(class), "/")
}

// RefNameFromArchivePath recovers (class, name) from a refs/ key.
func RefNameFromArchivePath(archivePath string) (RefClass, string, bool) {
	cs := strings.SplitN(archivePath, "/", 3)
	if len(cs) != 3 || cs[0] != "refs" {
		return "", "", false
	}
	class := RefClass(cs[1])
	if !class.Valid() {
		return "", "", false
	}
	return class, strings.TrimSuffix(cs[2], ".json"), true
}

// GetArchivePathToJournal addresses one WAL record. The zero padded
// sequence makes lexical key order equal append order.
func GetArchivePathToJournal(seq uint64, op string) string {
	return fmt.Sprintf("journal/%016d-%s", seq, op)
}

// GetArchivePathPrefixToJournal is the scan prefix for WAL records.
func GetArchivePathPrefixToJournal() string {
	return "journal/"
}

// GetArchivePathToQuarantine addresses a quarantined replay anomaly.
func GetArchivePathToQuarantine(op string) string {
	return fmt.Sprint("quarantine/", op, ".json")
}

// GetArchivePathToPack addresses a pack file by its id.
func GetArchivePathToPack(id string) string {
	return fmt.Sprint("packs/", id, ".pack")
}

// GetArchivePathToPackIndex addresses a pack index by pack id.
func GetArchivePathToPackIndex(id string) string {
	return fmt.Sprint("packs/", id, ".idx.json")
}
