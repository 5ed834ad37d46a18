package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// toolLoopState detects a run stuck repeating the same tool call
// without making progress. Ported from the teacher's toolLoopState
// (loop.go): hash each call's name+arguments, count consecutive
// repeats, and escalate from a warning (inject a message so the model
// changes strategy) to a critical hard-stop.
type toolLoopState struct {
	lastHash    string
	repeatCount int
	resultHashes map[string]int
}

const (
	loopWarnThreshold     = 3
	loopCriticalThreshold = 5
)

// record hashes a tool call's name+arguments and returns the hash for
// later lookup by recordResult/detect.
func (t *toolLoopState) record(name string, args map[string]interface{}) string {
	argsJSON, _ := json.Marshal(sortedArgs(args))
	sum := sha256.Sum256([]byte(name + ":" + string(argsJSON)))
	hash := hex.EncodeToString(sum[:])

	if hash == t.lastHash {
		t.repeatCount++
	} else {
		t.lastHash = hash
		t.repeatCount = 1
	}
	return hash
}

// recordResult additionally folds the result text into the hash
// bucket: identical call + identical result is a stronger loop signal
// than identical call alone (a call that makes progress returns
// different results each time even with the same arguments).
func (t *toolLoopState) recordResult(callHash, result string) {
	if t.resultHashes == nil {
		t.resultHashes = make(map[string]int)
	}
	sum := sha256.Sum256([]byte(callHash + ":" + result))
	key := hex.EncodeToString(sum[:])
	t.resultHashes[key]++
}

// detect returns ("", "") when no loop is in progress, ("warning",
// msg) once the repeat count crosses loopWarnThreshold, and
// ("critical", msg) once it crosses loopCriticalThreshold.
func (t *toolLoopState) detect(toolName, callHash string) (level, message string) {
	if t.repeatCount >= loopCriticalThreshold {
		return "critical", "tool call loop detected for " + toolName
	}
	if t.repeatCount >= loopWarnThreshold {
		return "warning", "You have called " + toolName + " with the same arguments " +
			"several times in a row without making progress. Try a different approach."
	}
	return "", ""
}

// sortedArgs returns args with keys in a deterministic order so two
// semantically identical calls with differently-ordered map iteration
// hash the same.
func sortedArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]interface{}, len(args))
	for _, k := range keys {
		ordered[k] = args[k]
	}
	return ordered
}
