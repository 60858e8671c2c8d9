package policy

import (
	_ "embed"
	"fmt"
	"time"
)

//go:embed defaults.yaml
var defaultRuleSet []byte

var defaultArtifact = mustBuildDefault()

func mustBuildDefault() *Artifact {
	rs, err := ParseRuleSet(defaultRuleSet)
	if err != nil {
		panic(fmt.Sprintf("policy: embedded default rule set: %v", err))
	}
	art, _, err := Build(rs, time.Unix(0, 0))
	if err != nil {
		panic(fmt.Sprintf("policy: embedded default rule set: %v", err))
	}
	return art
}

// DefaultArtifact is the embedded safe default. It is shared and immutable.
func DefaultArtifact() *Artifact {
	return defaultArtifact
}
