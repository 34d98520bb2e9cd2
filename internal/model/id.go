package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type IDType string

const (
	IDTypeAgent IDType = "agt"
	IDTypeEvent IDType = "evt"
)

var validIDTypes = map[IDType]bool{
	IDTypeAgent: true,
	IDTypeEvent: true,
}

var idRegex = regexp.MustCompile(`^(agt|evt)_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns a time-prefixed random ID: typ_<unix10>_<hex8>.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

// NewJobID returns a lexically sortable job identifier. ULIDs sort by
// creation time, which keeps job state directories in chronological order.
func NewJobID() string {
	return "job_" + strings.ToLower(ulid.Make().String())
}

var jobIDRegex = regexp.MustCompile(`^job_[0-9a-z]{26}$`)

func ValidateJobID(id string) bool {
	return jobIDRegex.MatchString(id)
}
