// Package lookup resolves a requested name or id to a single visible jump,
// counting the hit, and falls back to the matcher when that is not possible.
//
// Name comparison follows one policy everywhere: the matcher's. By default
// names are compared case-sensitively after Unicode NFC normalisation; with
// case sensitivity disabled both sides are case-folded instead.
package lookup

import (
	"context"
	"errors"
	"fmt"

	"github.com/mikepea/jumpd/pkg/jumpd/matcher"
	"github.com/mikepea/jumpd/pkg/jumpd/models"
	"github.com/mikepea/jumpd/pkg/jumpd/visibility"
	"gorm.io/gorm"
)

var (
	// ErrInvalidTarget is returned for a blank target without an explicit id.
	ErrInvalidTarget = errors.New("target must not be blank")
	// ErrNotFound is returned when an explicit id is not visible to the
	// requester. Missing and invisible jumps are not distinguished.
	ErrNotFound = errors.New("jump not found")
)

// Kind is the outcome of a resolution.
type Kind int

const (
	// Found means exactly one visible jump matched and its hit was counted.
	Found Kind = iota + 1
	// Ambiguous means zero or several jumps matched; nothing was counted.
	Ambiguous
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Outcome of Resolve. Location, Jump and Hits are set for Found;
// SuggestionQuery and Candidates for Ambiguous.
type Outcome struct {
	Kind            Kind
	Location        string
	Jump            *models.Jump
	Hits            uint64
	SuggestionQuery string
	Candidates      int
}

// Service is safe for concurrent use.
type Service struct {
	db       *gorm.DB
	resolver *visibility.Resolver
	matcher  *matcher.Matcher
}

func NewService(db *gorm.DB, resolver *visibility.Resolver, m *matcher.Matcher) *Service {
	if resolver == nil {
		resolver = visibility.NewResolver(db, nil)
	}
	if m == nil {
		m = matcher.New(matcher.Options{CaseSensitive: true})
	}
	return &Service{db: db, resolver: resolver, matcher: m}
}

func (s *Service) Resolver() *visibility.Resolver { return s.resolver }

func (s *Service) Matcher() *matcher.Matcher { return s.matcher }

// Resolve narrows the requester's visible jumps to the target and, on a
// unique match, increments its hit counter in the database.
func (s *Service) Resolve(ctx context.Context, target string, requester *uint, explicitID *uint) (Outcome, error) {
	target = matcher.Normalize(target)
	if target == "" && explicitID == nil {
		return Outcome{}, ErrInvalidTarget
	}

	access, err := s.resolver.Snapshot(ctx, requester)
	if err != nil {
		return Outcome{}, err
	}

	var candidates []models.Jump
	if explicitID != nil {
		err = s.resolver.Query(ctx, access).Where("jumps.id = ?", *explicitID).Find(&candidates).Error
		if err != nil {
			return Outcome{}, err
		}
		if len(candidates) == 0 {
			return Outcome{}, ErrNotFound
		}
	} else {
		candidates, err = s.byName(ctx, access, target)
		if err != nil {
			return Outcome{}, err
		}
	}

	if len(candidates) != 1 {
		return Outcome{Kind: Ambiguous, SuggestionQuery: target, Candidates: len(candidates)}, nil
	}

	jump, err := s.hit(ctx, candidates[0].ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: Found, Location: jump.Location, Jump: jump, Hits: jump.Hits}, nil
}

func (s *Service) byName(ctx context.Context, access visibility.Access, target string) ([]models.Jump, error) {
	var jumps []models.Jump
	if s.matcher.CaseSensitive() {
		aliased := s.db.Model(&models.Alias{}).Select("jump_id").Where("name = ?", target)
		err := s.resolver.Query(ctx, access).
			Where("jumps.name = ? OR jumps.id IN (?)", target, aliased).
			Order("jumps.id").
			Find(&jumps).Error
		return jumps, err
	}

	// Case folding is Unicode-aware, which SQL LOWER() is not everywhere,
	// so the comparison happens here.
	var visible []models.Jump
	if err := s.resolver.Query(ctx, access).Preload("Aliases").Order("jumps.id").Find(&visible).Error; err != nil {
		return nil, err
	}
	for _, j := range visible {
		if s.matchesName(j, target) {
			jumps = append(jumps, j)
		}
	}
	return jumps, nil
}

func (s *Service) matchesName(j models.Jump, target string) bool {
	if s.matcher.Equal(j.Name, target) {
		return true
	}
	for _, a := range j.Aliases {
		if s.matcher.Equal(a.Name, target) {
			return true
		}
	}
	return false
}

// hit increments in a single UPDATE so concurrent resolutions never lose a
// count, then re-reads the row.
func (s *Service) hit(ctx context.Context, id uint) (*models.Jump, error) {
	res := s.db.WithContext(ctx).Model(&models.Jump{}).
		Where("id = ?", id).
		UpdateColumn("hits", gorm.Expr("hits + 1"))
	if res.Error != nil {
		return nil, fmt.Errorf("incrementing hits: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Deleted between the match and the update.
		return nil, ErrNotFound
	}
	var jump models.Jump
	if err := s.db.WithContext(ctx).First(&jump, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &jump, nil
}

// Dictionary expands the requester's visible jumps into matcher entries: one
// for each jump name and one for each alias.
func (s *Service) Dictionary(ctx context.Context, requester *uint) ([]matcher.Entry, []models.Jump, error) {
	access, err := s.resolver.Snapshot(ctx, requester)
	if err != nil {
		return nil, nil, err
	}
	var jumps []models.Jump
	if err := s.resolver.Query(ctx, access).Preload("Aliases").Order("jumps.id").Find(&jumps).Error; err != nil {
		return nil, nil, err
	}
	return Entries(jumps), jumps, nil
}

// Entries builds matcher entries from jumps with their aliases loaded.
func Entries(jumps []models.Jump) []matcher.Entry {
	dict := make([]matcher.Entry, 0, len(jumps))
	for _, j := range jumps {
		dict = append(dict, matcher.Entry{ID: j.ID, Name: j.Name, Location: j.Location, Title: j.Title})
		for _, a := range j.Aliases {
			dict = append(dict, matcher.Entry{ID: j.ID, Name: a.Name, Location: j.Location, Title: j.Title})
		}
	}
	return dict
}

// Suggest runs the matcher over the requester's visible jumps and returns the
// distinct matching jumps, best first.
func (s *Service) Suggest(ctx context.Context, query string, requester *uint, mode matcher.Mode) ([]models.Jump, error) {
	dict, jumps, err := s.Dictionary(ctx, requester)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]models.Jump, len(jumps))
	for _, j := range jumps {
		byID[j.ID] = j
	}
	matches := matcher.Distinct(s.matcher.Match(dict, query, mode))
	out := make([]models.Jump, 0, len(matches))
	for _, e := range matches {
		out = append(out, byID[e.ID])
	}
	return out, nil
}

// SuggestTokens is Suggest in its compact host&id form.
func (s *Service) SuggestTokens(ctx context.Context, query string, requester *uint) ([]string, error) {
	dict, _, err := s.Dictionary(ctx, requester)
	if err != nil {
		return nil, err
	}
	return s.matcher.Suggest(dict, query), nil
}
