// Package proposition validates market terms and bet requests and turns
// them into domain records. Validation uses go-playground/validator struct
// tags; every failure wraps model.ErrInvalidMarket or model.ErrInvalidBet.
package proposition

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/nostrmood/market-engine/internal/model"
)

// DefaultCreator is recorded when a market is opened without a pubkey.
const DefaultCreator = "anonymous"

// postIDRegex matches a Nostr event id: 32 bytes, lowercase hex.
// Example: 5c83da77af1dec6d7289834998ad7aafbd9e2191396d75ec3cc27f5a77226f36
var postIDRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("postid", func(fl validator.FieldLevel) bool {
		return postIDRegex.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Terms is a request to open a market on one post.
type Terms struct {
	PostID        string   `json:"post_id" validate:"required,postid"`
	Question      string   `json:"question" validate:"required,min=10,max=200"`
	Threshold     *float64 `json:"threshold" validate:"required,gte=-10,lte=10"`
	MinStake      int64    `json:"min_stake" validate:"gte=1,lte=1000000"`
	MaxStake      int64    `json:"max_stake" validate:"gte=1,lte=1000000,gtefield=MinStake"`
	Duration      int      `json:"duration" validate:"gte=1,lte=1440"` // minutes
	FeePercentage *float64 `json:"fee_percentage" validate:"omitempty,gte=0,lte=20"`
	CreatorPubkey string   `json:"creator_pubkey" validate:"omitempty,max=128"`
}

// NewMarket validates t and builds the market it describes, opened at now.
// A nil fee takes defaultFee; an explicit zero fee stays zero.
func NewMarket(t Terms, now time.Time, defaultFee decimal.Decimal) (*model.Market, error) {
	t.PostID = strings.ToLower(strings.TrimSpace(t.PostID))
	t.Question = strings.TrimSpace(t.Question)
	t.CreatorPubkey = strings.TrimSpace(t.CreatorPubkey)

	if err := validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidMarket, describe(err))
	}

	fee := defaultFee
	if t.FeePercentage != nil {
		fee = decimal.NewFromFloat(*t.FeePercentage)
	}
	creator := t.CreatorPubkey
	if creator == "" {
		creator = DefaultCreator
	}

	now = now.UTC()
	return &model.Market{
		PostID:        t.PostID,
		Question:      t.Question,
		Threshold:     *t.Threshold,
		MinStake:      t.MinStake,
		MaxStake:      t.MaxStake,
		Duration:      t.Duration,
		CreatorPubkey: creator,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Duration(t.Duration) * time.Minute),
		FeePercentage: fee,
	}, nil
}

// BetRequest is a request to stake on one side of a market.
type BetRequest struct {
	MarketID   int64          `json:"market_id" validate:"gt=0"`
	Position   model.Position `json:"position" validate:"required,oneof=yes no"`
	Amount     int64          `json:"amount" validate:"gt=0"`
	UserPubkey string         `json:"user_pubkey" validate:"omitempty,max=128"`
}

// ValidateBet checks the shape of req and fills in the default pubkey. It
// does not look at the market; see CheckStake.
func ValidateBet(req *BetRequest) error {
	req.Position = model.Position(strings.ToLower(strings.TrimSpace(string(req.Position))))
	req.UserPubkey = strings.TrimSpace(req.UserPubkey)

	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", model.ErrInvalidBet, describe(err))
	}
	if req.UserPubkey == "" {
		req.UserPubkey = DefaultCreator
	}
	return nil
}

// ValidatePayoutInvoice checks that bolt11 looks like a Lightning payment
// request. The rail decodes it for real at send time.
func ValidatePayoutInvoice(bolt11 string) error {
	if err := validate.Var(strings.ToLower(bolt11), "required,startswith=ln,max=4096"); err != nil {
		return fmt.Errorf("%w: payment_request must be a bolt11 invoice", model.ErrInvalidBet)
	}
	return nil
}

// CheckStake reports whether m accepts a bet of amount sats at now.
func CheckStake(m *model.Market, amount int64, now time.Time) error {
	if !m.Open(now) {
		return fmt.Errorf("market %d: %w", m.ID, model.ErrMarketClosed)
	}
	if amount < m.MinStake || amount > m.MaxStake {
		return fmt.Errorf("bet amount must be between %d and %d sats: %w",
			m.MinStake, m.MaxStake, model.ErrStakeOutOfRange)
	}
	return nil
}

// Memo builds the invoice description for a bet, e.g.
// "NostrMood bet: yes on Will this post stay positive?".
func Memo(prefix string, position model.Position, question string) string {
	return fmt.Sprintf("%s: %s on %s", prefix, position, question)
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Field()+" "+rule(fe))
	}
	return strings.Join(msgs, "; ")
}

func rule(fe validator.FieldError) string {
	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
	}
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param() + unit
	case "max", "lte":
		return "must be at most " + fe.Param() + unit
	case "gt":
		return "must be greater than " + fe.Param()
	case "gtefield":
		return "must not be less than min_stake"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "postid":
		return "must be a 64-character hex event id"
	default:
		return "failed " + fe.Tag()
	}
}
