package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRecord_DirectoryAudit(t *testing.T) {
	t.Parallel()

	rec := LogRecord{Stream: StreamDirectoryAudits, Raw: []byte(`{
		"id": "audit-1",
		"activityDisplayName": "Add member to group",
		"activityDateTime": "2024-05-01T10:15:00Z",
		"initiatedBy": {"user": {"id": "u1", "userPrincipalName": "alice@example.com"}},
		"targetResources": [{"id": "g1", "displayName": "Finance"}]
	}`)}

	assert.Equal(t, "audit-1", rec.ID())
	assert.Equal(t, time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC), rec.Timestamp())
	assert.Equal(t, "u1", rec.ActorID())
	assert.Equal(t, "alice@example.com", rec.ActorName())
	assert.Equal(t, "g1", rec.TargetID())
	assert.Equal(t, "Finance", rec.TargetName())
	assert.Equal(t, "Add member to group", rec.Operation())
}

func TestLogRecord_DirectoryAuditAppActor(t *testing.T) {
	t.Parallel()

	rec := LogRecord{Stream: StreamDirectoryAudits, Raw: []byte(`{
		"id": "audit-2",
		"initiatedBy": {"user": null, "app": {"servicePrincipalId": "sp1", "displayName": "Sync"}}
	}`)}

	assert.Equal(t, "sp1", rec.ActorID())
	assert.Equal(t, "Sync", rec.ActorName())
}

func TestLogRecord_SignIn(t *testing.T) {
	t.Parallel()

	rec := LogRecord{Stream: StreamSignIns, Raw: []byte(`{
		"id": "s1",
		"createdDateTime": "2024-05-01T22:00:00.123Z",
		"userId": "u2",
		"userPrincipalName": "bob@example.com",
		"appId": "app-9",
		"appDisplayName": "Payroll"
	}`)}

	assert.Equal(t, "s1", rec.ID())
	assert.Equal(t, 22, rec.Timestamp().Hour())
	assert.Equal(t, "u2", rec.ActorID())
	assert.Equal(t, "app-9", rec.TargetID())
	assert.Equal(t, "Payroll", rec.TargetName())
}

func TestLogRecord_Activity(t *testing.T) {
	t.Parallel()

	rec := LogRecord{Stream: StreamActivity, Raw: []byte(`{
		"eventDataId": "e1",
		"eventTimestamp": "2024-05-02T03:04:05.6789Z",
		"caller": "carol@example.com",
		"claims": {"http://schemas.microsoft.com/identity/claims/objectidentifier": "u3"},
		"resourceId": "/subscriptions/s/resourceGroups/rg/providers/x/vaults/kv1",
		"operationName": {"value": "Microsoft.KeyVault/vaults/write", "localizedValue": "Update Key Vault"},
		"category": {"value": "Administrative"}
	}`)}

	assert.Equal(t, "e1", rec.ID())
	assert.Equal(t, "u3", rec.ActorID())
	assert.Equal(t, "carol@example.com", rec.ActorName())
	assert.Equal(t, "/subscriptions/s/resourceGroups/rg/providers/x/vaults/kv1", rec.TargetID())
	assert.Equal(t, "Microsoft.KeyVault/vaults/write", rec.Operation())
	assert.Equal(t, "Administrative", rec.LocalizedField("category"))
}

func TestLogRecord_MalformedYieldsEmpty(t *testing.T) {
	t.Parallel()

	rec := LogRecord{Stream: StreamActivity, Raw: []byte(`{not json`)}

	assert.Empty(t, rec.ID())
	assert.True(t, rec.Timestamp().IsZero())
	assert.Empty(t, rec.ActorID())
	assert.Empty(t, rec.LocalizedField("category"))
	assert.Nil(t, rec.RawField("claims"))
}

func TestParseStream(t *testing.T) {
	t.Parallel()

	s, err := ParseStream("signIns")
	require.NoError(t, err)
	assert.Equal(t, StreamSignIns, s)

	_, err = ParseStream("nope")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSanitizeNickname(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "johndoe", SanitizeNickname("John Doe"))
	assert.Equal(t, "r2d2", SanitizeNickname("R2-D2!"))
	assert.Equal(t, "user", SanitizeNickname("  "))
	assert.Equal(t, "user", SanitizeNickname("***"))
}
