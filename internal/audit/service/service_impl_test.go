package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/creditledger/internal/audit/domain"
	auditrepo "github.com/smallbiznis/creditledger/internal/audit/repository"
	"github.com/smallbiznis/creditledger/internal/clock"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
	"github.com/smallbiznis/creditledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (auditdomain.Service, *clock.FakeClock) {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fc,
		Repo:  auditrepo.Provide(),
	})
	return svc, fc
}

func TestRecordMasksReferencesAndKeepsRequestID(t *testing.T) {
	svc, _ := setupService(t)
	ctx := obscontext.WithRequestID(context.Background(), "req-42")

	err := svc.Record(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeAdmin,
		ActorID:    "ops@example.com",
		Action:     auditdomain.ActionAccountTopup,
		TargetType: auditdomain.TargetTypeAccount,
		TargetID:   "1001",
		Metadata:   map[string]any{"external_ref": "cs_test_abcdef9999", "credits": 50},
		UserAgent:  "curl/8.0",
	})
	require.NoError(t, err)

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{TargetID: "1001"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	row := resp.AuditLogs[0]
	assert.Equal(t, "admin", row.ActorType)
	require.NotNil(t, row.ActorID)
	assert.Equal(t, "ops@example.com", *row.ActorID)
	assert.Equal(t, "cs_test_****9999", row.Metadata["external_ref"])
	assert.Equal(t, "req-42", row.Metadata["request_id"])
	assert.Nil(t, row.IPAddress)
	require.NotNil(t, row.UserAgent)
	assert.Equal(t, "curl/8.0", *row.UserAgent)
}

func TestRecordRequiresAction(t *testing.T) {
	svc, _ := setupService(t)
	err := svc.Record(context.Background(), auditdomain.Entry{Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	svc, _ := setupService(t)
	require.NoError(t, svc.Record(context.Background(), auditdomain.Entry{Action: auditdomain.ActionAccountDeactivate}))

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "system", resp.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
	assert.Empty(t, resp.AuditLogs[0].Metadata)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, fc := setupService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, auditdomain.Entry{
			Action:     auditdomain.ActionAccountAdjust,
			TargetType: auditdomain.TargetTypeAccount,
			TargetID:   "7",
			Metadata:   map[string]any{"seq": i},
		}))
		fc.Advance(time.Second)
	}
	require.NoError(t, svc.Record(ctx, auditdomain.Entry{Action: auditdomain.ActionAccountProvision, TargetID: "8"}))

	first, err := svc.List(ctx, auditdomain.ListRequest{Action: auditdomain.ActionAccountAdjust, Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 3)
	assert.True(t, first.HasMore)
	assert.EqualValues(t, 4, first.AuditLogs[0].Metadata["seq"])

	second, err := svc.List(ctx, auditdomain.ListRequest{Action: auditdomain.ActionAccountAdjust, Limit: 3, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 2)
	assert.False(t, second.HasMore)
	assert.EqualValues(t, 0, second.AuditLogs[1].Metadata["seq"])

	_, err = svc.List(ctx, auditdomain.ListRequest{PageToken: "%%%"})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
