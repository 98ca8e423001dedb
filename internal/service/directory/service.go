package directory

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
)

const defaultSiteTTL = 5 * time.Minute

// Service is the network directory: registered sites plus network-wide settings.
// Sites are read-mostly, so lookups go through a TTL cache with one loader per site.
type Service struct {
	repo     repository.SiteRepository
	settings model.NetworkSettings
	cache    *gocache.Cache
	loads    singleflight.Group
	logger   *logger.Logger
	now      func() time.Time
}

func NewService(repo repository.SiteRepository, settings model.NetworkSettings, siteTTL time.Duration, log *logger.Logger) *Service {
	if siteTTL <= 0 {
		siteTTL = defaultSiteTTL
	}
	return &Service{
		repo:     repo,
		settings: settings,
		cache:    gocache.New(siteTTL, 2*siteTTL),
		logger:   log,
		now:      time.Now,
	}
}

// Settings returns the network-wide switches.
func (s *Service) Settings() model.NetworkSettings {
	return s.settings
}

// EmergencyAccessEnabledFor reports whether break-glass is allowed for patients whose
// primary site is site: the network switch and the site switch must both be on.
func (s *Service) EmergencyAccessEnabledFor(site *model.NetworkSite) bool {
	return s.settings.EmergencyAccessEnabled && site != nil && site.EmergencyAccessEnabled
}

func (s *Service) GetSite(ctx context.Context, id string) (*model.NetworkSite, error) {
	if id == "" {
		return nil, errors.NotFound("site", nil)
	}
	if cached, ok := s.cache.Get(id); ok {
		site := *cached.(*model.NetworkSite)
		return &site, nil
	}

	v, err, _ := s.loads.Do(id, func() (interface{}, error) {
		site, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.cache.SetDefault(id, site)
		return site, nil
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load site %s: %w", id, err)
	}
	site := *v.(*model.NetworkSite)
	return &site, nil
}

func (s *Service) ListSites(ctx context.Context) ([]*model.NetworkSite, error) {
	sites, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return sites, nil
}

// RegisterSite creates or replaces a site. Site ids are globally unique.
func (s *Service) RegisterSite(ctx context.Context, site *model.NetworkSite) error {
	site.ID = strings.TrimSpace(site.ID)
	if site.ID == "" || strings.TrimSpace(site.Name) == "" {
		return errors.Validation("site_id and name are required", nil)
	}
	if site.DataClassificationDefault == "" {
		site.DataClassificationDefault = model.ClassificationStandard
	}
	if !site.DataClassificationDefault.IsValid() {
		return errors.Validation(fmt.Sprintf("unknown data classification %q", site.DataClassificationDefault), nil)
	}

	now := s.now().UTC()
	if existing, err := s.repo.Get(ctx, site.ID); err == nil {
		site.CreatedAt = existing.CreatedAt
	} else if errors.KindOf(err) == errors.KindNotFound {
		site.CreatedAt = now
	} else {
		return fmt.Errorf("failed to load site %s: %w", site.ID, err)
	}
	site.UpdatedAt = now

	if err := s.repo.Upsert(ctx, site); err != nil {
		return err
	}
	s.cache.Delete(site.ID)
	s.logger.Info("site registered", "site_id", site.ID)
	return nil
}
