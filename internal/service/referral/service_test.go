package referral_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/internal/repository/memory"
	"github.com/jwalitptl/access-api/internal/service/referral"
	"github.com/jwalitptl/access-api/internal/service/servicetest"
	"github.com/jwalitptl/access-api/pkg/errors"
)

type fixture struct {
	*servicetest.Stack
	svc      *referral.Service
	store    *memory.ReferralStore
	sender   *model.UserPermission
	receiver *model.UserPermission
}

func setup(t *testing.T, wrap func(repository.ReferralRepository) repository.ReferralRepository) *fixture {
	t.Helper()
	s := servicetest.New(t)
	store := memory.NewReferralStore()
	var repo repository.ReferralRepository = store
	if wrap != nil {
		repo = wrap(store)
	}
	f := &fixture{
		Stack: s,
		store: store,
		svc: referral.NewService(repo, s.Directory, s.Engine, s.Audit, s.Validator, 72*time.Hour, s.Logger,
			referral.WithClock(s.Clock.Now)),
		sender:   s.AddUser(t, model.UserPermission{UserID: "sender", HomeSite: "site-1", Role: model.RolePhysician}),
		receiver: s.AddUser(t, model.UserPermission{UserID: "receiver", HomeSite: "site-2", Role: model.RolePhysician}),
	}
	s.AddPatient(model.PatientSiteMetadata{PatientID: "patient-p", PrimarySite: "site-1"})
	return f
}

func createRequest() model.CreateReferralRequest {
	return model.CreateReferralRequest{FromSite: "site-1", ToSite: "site-2", PatientID: "patient-p"}
}

func TestCreateReferral(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	ref, err := f.svc.CreateReferral(ctx, f.sender, createRequest())
	require.NoError(t, err)
	assert.Equal(t, model.ReferralStatusPending, ref.Status)
	assert.Equal(t, "sender", ref.CreatedBy)

	entries := f.Entries(t, ref.ID.String())
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditResultCreated, entries[0].Result)
	// The access check itself is recorded against the patient.
	assert.Len(t, f.Entries(t, "patient-p"), 1)

	got, err := f.svc.GetReferral(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, got.ID)
}

func TestCreateReferral_Rejections(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateReferral(ctx, nil, createRequest())
	assert.ErrorIs(t, err, errors.ErrAuthenticationRequired)

	same := createRequest()
	same.ToSite = "site-1"
	_, err = f.svc.CreateReferral(ctx, f.sender, same)
	assert.ErrorIs(t, err, errors.ErrValidation)

	unknown := createRequest()
	unknown.ToSite = "site-9"
	_, err = f.svc.CreateReferral(ctx, f.sender, unknown)
	assert.ErrorIs(t, err, errors.ErrValidation)

	// The receiver has no access to the sending site.
	_, err = f.svc.CreateReferral(ctx, f.receiver, createRequest())
	assert.ErrorIs(t, err, errors.ErrSiteAccessDenied)

	// Access to the sending site is not enough without access to the record.
	cover := f.AddUser(t, model.UserPermission{
		UserID:          "cover",
		HomeSite:        "site-3",
		Role:            model.RoleNurse,
		AuthorizedSites: []model.SiteAccess{{SiteID: "site-1"}},
	})
	_, err = f.svc.CreateReferral(ctx, cover, createRequest())
	assert.ErrorIs(t, err, errors.ErrConsentRequired)

	refs, total, err := f.svc.ListReferrals(ctx, model.ReferralFilter{})
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Zero(t, total)
}

func TestRespond(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	ref, err := f.svc.CreateReferral(ctx, f.sender, createRequest())
	require.NoError(t, err)

	_, err = f.svc.AcceptReferral(ctx, f.sender, ref.ID)
	assert.ErrorIs(t, err, errors.ErrSiteAccessDenied)

	accepted, err := f.svc.AcceptReferral(ctx, f.receiver, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReferralStatusAccepted, accepted.Status)
	require.NotNil(t, accepted.RespondedBy)
	assert.Equal(t, "receiver", *accepted.RespondedBy)

	_, err = f.svc.DeclineReferral(ctx, f.receiver, ref.ID)
	assert.ErrorIs(t, err, errors.ErrConflict)

	entries := f.Entries(t, ref.ID.String())
	require.Len(t, entries, 2)
	assert.Equal(t, model.AuditResultAccepted, entries[1].Result)
}

func TestExpiry(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	ref, err := f.svc.CreateReferral(ctx, f.sender, createRequest())
	require.NoError(t, err)

	f.Clock.Advance(72 * time.Hour)
	got, err := f.svc.GetReferral(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReferralStatusExpired, got.Status)

	_, err = f.svc.DeclineReferral(ctx, f.receiver, ref.ID)
	assert.ErrorIs(t, err, errors.ErrConflict)

	n, err := f.svc.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.store.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReferralStatusExpired, stored.Status)

	n, err = f.svc.ExpireStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type failingCreate struct {
	repository.ReferralRepository
}

func (failingCreate) Create(context.Context, *model.CrossSiteReferral) error {
	return stderrors.New("insert failed")
}

func TestCreateReferral_StoreFailureAppendsCorrection(t *testing.T) {
	f := setup(t, func(r repository.ReferralRepository) repository.ReferralRepository {
		return failingCreate{r}
	})

	_, err := f.svc.CreateReferral(context.Background(), f.sender, createRequest())
	require.Error(t, err)

	page, err := f.Audit.Query(context.Background(), model.AuditFilter{Kind: model.AuditKindCorrection})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.NotNil(t, page.Entries[0].References)
}
