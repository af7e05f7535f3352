package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

type recordingPutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (r *recordingPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if r.err != nil {
		return nil, r.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	r.inputs = append(r.inputs, in)
	r.bodies = append(r.bodies, b)
	return &s3.PutObjectOutput{}, nil
}

func balancedRun() payroll.Run {
	return payroll.Run{
		ID:          "run-1",
		TenantID:    "t1",
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Entries: []payroll.RunEntry{
			{EmployeeID: "e1", ConceptCode: "BASE_PAY", Kind: payroll.KindEarning, Amount: decimal.NewFromInt(3000)},
			{EmployeeID: "e1", ConceptCode: "SSO", Kind: payroll.KindDeduction, Amount: decimal.NewFromInt(300)},
		},
		Totals: payroll.RunTotals{
			GrossPay:   decimal.NewFromInt(3000),
			Deductions: decimal.NewFromInt(300),
			NetPay:     decimal.NewFromInt(2700),
		},
	}
}

func newArchiver(p ObjectPutter) *S3Archiver {
	return NewS3Archiver(p, S3Config{Bucket: "ledger"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestArchiveRun_UploadsJSON(t *testing.T) {
	// GIVEN: A balanced run
	p := &recordingPutter{}
	a := newArchiver(p)

	// WHEN: It is archived
	key, err := a.ArchiveRun(context.Background(), balancedRun())

	// THEN: The document lands under the tenant and period prefix
	require.NoError(t, err)
	assert.Equal(t, "payroll-runs/t1/2026/03/run-1.json", key)
	require.Len(t, p.inputs, 1)
	assert.Equal(t, "ledger", aws.ToString(p.inputs[0].Bucket))
	assert.Equal(t, "application/json", aws.ToString(p.inputs[0].ContentType))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(p.bodies[0], &doc))
	assert.Equal(t, "run-1", doc["ID"])
}

func TestArchiveRun_RefusesUnbalancedRun(t *testing.T) {
	p := &recordingPutter{}
	run := balancedRun()
	run.Totals.NetPay = decimal.NewFromInt(2800)

	_, err := newArchiver(p).ArchiveRun(context.Background(), run)

	assert.ErrorIs(t, err, payroll.ErrUnbalanced)
	assert.Empty(t, p.inputs)
}

func TestArchiveRun_UploadError(t *testing.T) {
	_, err := newArchiver(&recordingPutter{err: errors.New("access denied")}).ArchiveRun(context.Background(), balancedRun())

	assert.ErrorContains(t, err, "access denied")
}
