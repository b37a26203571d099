package redis

import (
	"fmt"
	"strings"

	"stagewire/internal/core/domain"
)

const keyPrefix = "stagewire:"

// Entry collections stored per stage.
type collection string

const (
	collMembers   collection = "members"
	collProducers collection = "producers"
	collVolumes   collection = "volumes"
	collDevices   collection = "devices"
)

func stagesKey() string {
	return keyPrefix + "stages"
}

func stagePrefix(stageID domain.StageID) string {
	return fmt.Sprintf("%sstage:%s:", keyPrefix, stageID)
}

func entryKey(stageID domain.StageID, coll collection, id string) string {
	return stagePrefix(stageID) + string(coll) + ":" + id
}

func entryPattern(stageID domain.StageID, coll collection) string {
	return stagePrefix(stageID) + string(coll) + ":*"
}

func eventsChannel(stageID domain.StageID) string {
	return stagePrefix(stageID) + "events"
}

func expiredChannel(db int) string {
	return fmt.Sprintf("__keyevent@%d__:expired", db)
}

// parseEntryKey splits an entry key into its stage, collection and entry ID.
// Stage IDs never contain ':'; entry IDs may.
func parseEntryKey(key string) (domain.StageID, collection, string, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix+"stage:")
	if !ok {
		return "", "", "", false
	}
	stageID, rest, ok := strings.Cut(rest, ":")
	if !ok || stageID == "" {
		return "", "", "", false
	}
	coll, id, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return "", "", "", false
	}
	switch collection(coll) {
	case collMembers, collProducers, collVolumes, collDevices:
		return domain.StageID(stageID), collection(coll), id, true
	}
	return "", "", "", false
}

func volumeID(owner domain.ParticipantID, targetID string) string {
	return string(owner) + "/" + targetID
}

func volumeOwner(id string) domain.ParticipantID {
	owner, _, _ := strings.Cut(id, "/")
	return domain.ParticipantID(owner)
}
