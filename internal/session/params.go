package session

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tariel-x/medcall/internal/models"
)

var appIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// EntryParams are the raw values the shell navigates into a call with. A nil
// Token means the parameter was absent; an empty or "null" token means an
// anonymous join.
type EntryParams struct {
	Channel string
	Token   *string
	UID     string
	AppID   string
	Role    models.Role
}

// EntryParamsFromQuery reads channel, token, uid and appId from q.
func EntryParamsFromQuery(q url.Values, role models.Role) EntryParams {
	p := EntryParams{
		Channel: q.Get("channel"),
		UID:     q.Get("uid"),
		AppID:   q.Get("appId"),
		Role:    role,
	}
	if q.Has("token") {
		token := q.Get("token")
		p.Token = &token
	}
	return p
}

// Params are validated session parameters.
type Params struct {
	Channel string
	UID     uint32
	Role    models.Role
	AppID   string
	// Token is empty for an anonymous join.
	Token string
}

// ParseParams validates raw entry parameters. Every failure wraps
// ErrInvalidParameters.
func ParseParams(raw EntryParams) (Params, error) {
	var missing []string
	channel := strings.TrimSpace(raw.Channel)
	if channel == "" {
		missing = append(missing, "channel")
	}
	if raw.Token == nil {
		missing = append(missing, "token")
	}
	uidStr := strings.TrimSpace(raw.UID)
	if uidStr == "" {
		missing = append(missing, "uid")
	}
	if raw.AppID == "" {
		missing = append(missing, "appId")
	}
	if len(missing) > 0 {
		return Params{}, fmt.Errorf("%w: missing %s", ErrInvalidParameters, strings.Join(missing, ", "))
	}

	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		return Params{}, fmt.Errorf("%w: uid %q is not a 32-bit unsigned number", ErrInvalidParameters, raw.UID)
	}
	if !appIDPattern.MatchString(raw.AppID) {
		return Params{}, fmt.Errorf("%w: appId must be 32 hex characters", ErrInvalidParameters)
	}
	if !raw.Role.Valid() {
		return Params{}, fmt.Errorf("%w: unknown role %q", ErrInvalidParameters, raw.Role)
	}

	token := strings.TrimSpace(*raw.Token)
	if token == "null" {
		token = ""
	}

	return Params{
		Channel: channel,
		UID:     uint32(uid),
		Role:    raw.Role,
		AppID:   raw.AppID,
		Token:   token,
	}, nil
}
