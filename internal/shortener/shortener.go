// Package shortener is the domain service behind the HTTP surface: it creates
// links, resolves codes through the tiered cache and records clicks as
// outbox events.
package shortener

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"urlshortener/internal/cache"
	"urlshortener/internal/db"
	"urlshortener/internal/events"
	"urlshortener/internal/idgen"
	"urlshortener/internal/outbox"
	"urlshortener/models"
	"urlshortener/utils"
)

var (
	ErrNotFound   = errors.New("short url not found")
	ErrInvalidURL = errors.New("invalid url")
)

const (
	MaxURLLength  = 2048
	maxCodeLength = 16
	codeAttempts  = 3
)

var errCodeTaken = errors.New("short code already taken")

// IDSource mints snowflake ids and their codes.
type IDSource interface {
	Generate() (idgen.GeneratedCode, error)
}

type Service struct {
	db     *gorm.DB
	ids    IDSource
	links  *cache.TieredCache[models.Link]
	origin cache.Loader[models.Link]
	log    *zap.Logger
}

func New(database *gorm.DB, ids IDSource, links *cache.TieredCache[models.Link], log *zap.Logger) *Service {
	return &Service{
		db:     database,
		ids:    ids,
		links:  links,
		origin: FetchByCode(database),
		log:    log.Named("shortener"),
	}
}

// FetchByCode is the origin loader of the link cache.
func FetchByCode(database *gorm.DB) cache.Loader[models.Link] {
	return func(ctx context.Context, code string) (models.Link, error) {
		var link models.Link
		err := database.WithContext(ctx).Where("code = ?", code).First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Link{}, ErrNotFound
		}
		if err != nil {
			return models.Link{}, fmt.Errorf("load %s: %w", code, err)
		}
		return link, nil
	}
}

// ValidateURL accepts absolute http and https URLs up to MaxURLLength.
func ValidateURL(raw string) error {
	if raw == "" || len(raw) > MaxURLLength {
		return ErrInvalidURL
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// Shorten stores a new link and its url.created event in one transaction and
// writes the link through the cache. A code collision rolls the transaction
// back and retries with a fresh id.
func (s *Service) Shorten(ctx context.Context, rawURL string) (models.Link, error) {
	if err := ValidateURL(rawURL); err != nil {
		return models.Link{}, err
	}

	for attempt := 1; attempt <= codeAttempts; attempt++ {
		code, err := s.ids.Generate()
		if err != nil {
			return models.Link{}, fmt.Errorf("generate code: %w", err)
		}
		link := models.Link{
			ID:          int64(code.ID),
			Code:        code.Text,
			OriginalURL: rawURL,
			CreatedAt:   time.Now().UTC(),
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			outcome, err := db.Insert(ctx, tx, &link)
			if err != nil {
				return fmt.Errorf("insert link: %w", err)
			}
			if outcome == db.AlreadyExists {
				return errCodeTaken
			}
			return outbox.Record(ctx, tx, events.AggregateShortURL, link.Code, events.TopicURLCreated, events.URLCreated{
				EventID:     strconv.FormatInt(link.ID, 10),
				Code:        link.Code,
				OriginalURL: link.OriginalURL,
				CreatedAt:   link.CreatedAt,
			})
		})
		if errors.Is(err, errCodeTaken) {
			s.log.Warn("short code collision, retrying", zap.String("code", link.Code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return models.Link{}, err
		}

		s.links.Put(ctx, link.Code, link)
		s.log.Info("link created", zap.String("code", link.Code))
		return link, nil
	}
	return models.Link{}, fmt.Errorf("%w after %d attempts", errCodeTaken, codeAttempts)
}

// Resolve returns the link for code. ErrNotFound is an ordinary result.
func (s *Service) Resolve(ctx context.Context, code string) (models.Link, error) {
	if code == "" || len(code) > maxCodeLength || !utils.IsBase62(code) {
		return models.Link{}, ErrNotFound
	}
	return s.links.GetOrLoad(ctx, code, s.origin)
}

// RecordClick queues a url.clicked event for link. The event id makes the
// click idempotent downstream.
func (s *Service) RecordClick(ctx context.Context, link models.Link) (events.URLClicked, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return events.URLClicked{}, fmt.Errorf("generate click id: %w", err)
	}
	ev := events.URLClicked{
		EventID:     id.Text,
		ShortCode:   link.Code,
		OriginalURL: link.OriginalURL,
		ClickedAt:   time.Now().UTC(),
	}
	if err := outbox.Record(ctx, s.db, events.AggregateShortURL, link.Code, events.TopicURLClicked, ev); err != nil {
		return events.URLClicked{}, err
	}
	return ev, nil
}
