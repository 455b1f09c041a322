package dovi

import (
	"testing"

	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestMatchesProfile5(t *testing.T) {
	assert.True(t, MatchesProfile5("dvhe.05.06"))
	assert.True(t, MatchesProfile5("Dolby Vision Profile 5"))
	assert.False(t, MatchesProfile5("dvhe.07.06"))
}

func TestMatchesProfile7(t *testing.T) {
	assert.True(t, MatchesProfile7("dvhe.07.06"))
	assert.True(t, MatchesProfile7("Profile 7"))
	assert.False(t, MatchesProfile7("dvhe.08.06"))
}

func TestMatchesProfile8(t *testing.T) {
	assert.True(t, MatchesProfile8("dvhe.08.06"))
	assert.True(t, MatchesProfile8("Profile 8"))
	assert.False(t, MatchesProfile8("dvhe.05.06"))
}

func TestMentionsDolbyVision(t *testing.T) {
	assert.True(t, MentionsDolbyVision("Dolby Vision / SDR"))
	assert.False(t, MentionsDolbyVision("HDR10"))
}

func TestMentionsHDR10Plus(t *testing.T) {
	assert.True(t, MentionsHDR10Plus("SMPTE ST 2094 App 4"))
	assert.False(t, MentionsHDR10Plus("SMPTE ST 2086"))
}

func TestMentionsHDR10(t *testing.T) {
	assert.True(t, MentionsHDR10("SMPTE ST 2086"))
	assert.True(t, MentionsHDR10("HDR10"))
	assert.False(t, MentionsHDR10("HLG"))
}

func TestMentionsHLG(t *testing.T) {
	assert.True(t, MentionsHLG("HLG"))
	assert.False(t, MentionsHLG("HDR10"))
}

func TestELTypeFromRPUJSON_MEL(t *testing.T) {
	data := []byte(`{"rpu_info":{"vdr_rpu_ids":[{"el_type":"MEL"}]}}`)
	elType, ok := ELTypeFromRPUJSON(data)
	assert.True(t, ok)
	assert.Equal(t, models.ELTypeMEL, elType)
}

func TestELTypeFromRPUJSON_FEL(t *testing.T) {
	data := []byte(`{"rpu_info":{"vdr_rpu_ids":[{"el_type":"FEL"}]}}`)
	elType, ok := ELTypeFromRPUJSON(data)
	assert.True(t, ok)
	assert.Equal(t, models.ELTypeUnknown, elType)
}

func TestELTypeFromRPUJSON_NoMarker(t *testing.T) {
	data := []byte(`{"rpu_info":{}}`)
	_, ok := ELTypeFromRPUJSON(data)
	assert.False(t, ok)
}

func TestELTypeFromRPUJSON_InvalidJSON(t *testing.T) {
	_, ok := ELTypeFromRPUJSON([]byte("not json"))
	assert.False(t, ok)
}

func TestMaxPQFromRPUJSON_FindsNestedValue(t *testing.T) {
	data := []byte(`{"frames":[{"Level1":{"max_pq":3079,"min_pq":0,"avg_pq":1500}}]}`)
	maxPQ, ok := MaxPQFromRPUJSON(data)
	assert.True(t, ok)
	assert.Equal(t, uint16(3079), maxPQ)
}

func TestMaxPQFromRPUJSON_TakesHighestAcrossFrames(t *testing.T) {
	data := []byte(`{"frames":[
		{"l1":{"max":1000}},
		{"l1":{"max":4000}},
		{"l1":{"max":2500}}
	]}`)
	maxPQ, ok := MaxPQFromRPUJSON(data)
	assert.True(t, ok)
	assert.Equal(t, uint16(4000), maxPQ)
}

func TestMaxPQFromRPUJSON_AlternateKeyCasing(t *testing.T) {
	data := []byte(`{"frames":[{"L1":{"Max":4095}}]}`)
	maxPQ, ok := MaxPQFromRPUJSON(data)
	assert.True(t, ok)
	assert.Equal(t, uint16(4095), maxPQ)
}

func TestMaxPQFromRPUJSON_NotFound(t *testing.T) {
	data := []byte(`{"frames":[{"Level2":{"max_pq":100}}]}`)
	_, ok := MaxPQFromRPUJSON(data)
	assert.False(t, ok)
}

func TestMaxPQFromRPUJSON_InvalidJSON(t *testing.T) {
	_, ok := MaxPQFromRPUJSON([]byte("{not json"))
	assert.False(t, ok)
}
