package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/durable-flows/pkg/core"
)

func legacyV1(t *testing.T, runID string) []byte {
	t.Helper()
	raw, err := json.Marshal(V1{
		FlowVersion: core.FlowVersion{ID: "fv1", FlowID: "f1", ProjectID: "p1"},
		RunID:       runID,
	})
	require.NoError(t, err)
	return raw
}

func TestExecutionType_Validate(t *testing.T) {
	assert.NoError(t, Begin.Validate())
	assert.NoError(t, Resume.Validate())

	err := ExecutionType("SKIP").Validate()
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestUpcast_V1ToLatest(t *testing.T) {
	raw := legacyV1(t, "")
	src := Source{Cron: "*/5 * * * *", Timezone: "Europe/Berlin"}

	out, version, err := Upcast(1, raw, src)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, version)

	var v V3
	require.NoError(t, json.Unmarshal(out, &v))
	assert.Equal(t, "p1", v.ProjectID, "project id falls back to the embedded flow version")
	assert.Equal(t, "f1", v.FlowID)
	assert.Equal(t, "fv1", v.FlowVersionID)
	assert.Equal(t, core.EnvProduction, v.Environment)
	assert.Equal(t, Begin, v.ExecutionType)
	require.NotNil(t, v.Cron)
	assert.Equal(t, "*/5 * * * *", v.Cron.Expression)
	assert.Equal(t, "Europe/Berlin", v.Cron.Timezone)
}

func TestUpcast_V1ExecutionTypeFollowsKind(t *testing.T) {
	tests := []struct {
		name  string
		kind  core.JobKind
		runID string
		want  ExecutionType
	}{
		{"one-time with run id", core.KindOneTime, "r1", Begin},
		{"repeating", core.KindRepeating, "", Begin},
		{"delayed", core.KindDelayed, "r1", Resume},
		{"unknown kind with run id", "", "r1", Resume},
		{"unknown kind without run id", "", "", Begin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := Upcast(1, legacyV1(t, tt.runID), Source{Kind: tt.kind})
			require.NoError(t, err)

			var v V3
			require.NoError(t, json.Unmarshal(out, &v))
			assert.Equal(t, tt.want, v.ExecutionType)
			assert.Equal(t, tt.runID, v.RunID)
			assert.Nil(t, v.Cron)
		})
	}
}

func TestDecodeOneTime_LegacyBegins(t *testing.T) {
	p, err := DecodeOneTime(1, legacyV1(t, "r1"))
	require.NoError(t, err)
	assert.Equal(t, Begin, p.ExecutionType)
	assert.Equal(t, "r1", p.RunID)
	assert.Equal(t, "fv1", p.FlowVersionID)
}

func TestUpcast_V1Testing(t *testing.T) {
	raw, err := json.Marshal(V1{ProjectID: "p2", FlowVersion: core.FlowVersion{ID: "fv"}, Testing: true})
	require.NoError(t, err)

	out, _, err := Upcast(1, raw, Source{})
	require.NoError(t, err)

	var v V3
	require.NoError(t, json.Unmarshal(out, &v))
	assert.Equal(t, core.EnvTesting, v.Environment)
	assert.Equal(t, "p2", v.ProjectID)
}

func TestUpcast_LatestIsUnchanged(t *testing.T) {
	raw, err := Encode(OneTime{RunID: "r1", ExecutionType: Begin})
	require.NoError(t, err)

	out, version, err := Upcast(LatestVersion, raw, Source{Cron: "@hourly"})
	require.NoError(t, err)
	assert.Equal(t, LatestVersion, version)
	assert.Equal(t, raw, out)
}

func TestUpcast_Idempotent(t *testing.T) {
	src := Source{Cron: "0 9 * * 1", Timezone: "America/New_York"}
	once, _, err := Upcast(1, legacyV1(t, ""), src)
	require.NoError(t, err)

	twice, _, err := Upcast(LatestVersion, once, src)
	require.NoError(t, err)
	assert.JSONEq(t, string(once), string(twice))
}

func TestUpcast_DoesNotMutateInput(t *testing.T) {
	raw := legacyV1(t, "")
	before := append([]byte(nil), raw...)

	_, _, err := Upcast(1, raw, Source{Cron: "@daily"})
	require.NoError(t, err)
	assert.Equal(t, before, raw)
}

func TestUpcast_RejectsUnknownVersion(t *testing.T) {
	_, _, err := Upcast(0, []byte(`{}`), Source{})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, _, err = Upcast(LatestVersion+1, []byte(`{}`), Source{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestUpcast_InvalidRegisteredCron(t *testing.T) {
	raw, err := json.Marshal(V2{FlowVersionID: "fv", ExecutionType: Begin})
	require.NoError(t, err)

	_, _, err = Upcast(2, raw, Source{Cron: "not a cron"})
	assert.Error(t, err)
}

func TestUpcast_CorruptPayload(t *testing.T) {
	_, _, err := Upcast(1, []byte(`{"flowVersion":`), Source{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDecodeOneTime(t *testing.T) {
	raw, err := Encode(OneTime{
		RunID:          "r1",
		ProjectID:      "p1",
		FlowVersionID:  "fv1",
		Environment:    core.EnvProduction,
		ExecutionType:  Begin,
		TriggerPayload: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)

	p, err := DecodeOneTime(LatestVersion, raw)
	require.NoError(t, err)
	assert.Equal(t, "r1", p.RunID)
	assert.Equal(t, Begin, p.ExecutionType)
	assert.JSONEq(t, `{"n":1}`, string(p.TriggerPayload))
	assert.Equal(t, core.KindOneTime, p.Kind())
}

func TestDecodeOneTime_RequiresRunID(t *testing.T) {
	raw, err := Encode(OneTime{ExecutionType: Begin})
	require.NoError(t, err)

	_, err = DecodeOneTime(LatestVersion, raw)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestDecodeScheduled_Variants(t *testing.T) {
	rep, err := Encode(Repeating{ProjectID: "p1", FlowVersionID: "fv1"})
	require.NoError(t, err)
	del, err := Encode(Delayed{RunID: "r1", FlowVersionID: "fv1"})
	require.NoError(t, err)

	p, err := DecodeScheduled(LatestVersion, rep, Source{})
	require.NoError(t, err)
	r, ok := p.(Repeating)
	require.True(t, ok)
	assert.Equal(t, "fv1", r.FlowVersionID)
	assert.Equal(t, core.KindRepeating, r.Kind())

	p, err = DecodeScheduled(LatestVersion, del, Source{})
	require.NoError(t, err)
	d, ok := p.(Delayed)
	require.True(t, ok)
	assert.Equal(t, "r1", d.RunID)
	assert.Equal(t, core.KindDelayed, d.Kind())
}

func TestDecodeScheduled_LegacyRepeating(t *testing.T) {
	p, err := DecodeScheduled(1, legacyV1(t, ""), Source{Cron: "@hourly"})
	require.NoError(t, err)

	r, ok := p.(Repeating)
	require.True(t, ok)
	require.NotNil(t, r.Cron)
	assert.Equal(t, "@hourly", r.Cron.Expression)
	assert.Equal(t, "UTC", r.Cron.Timezone)
}

func TestDecodeScheduled_UnknownExecutionType(t *testing.T) {
	_, err := DecodeScheduled(LatestVersion, []byte(`{"executionType":"LATER","runId":"r"}`), Source{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestNeedsUpcast(t *testing.T) {
	assert.True(t, NeedsUpcast(1))
	assert.True(t, NeedsUpcast(2))
	assert.False(t, NeedsUpcast(LatestVersion))
}
