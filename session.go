package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	http "github.com/bogdanfinn/fhttp"
)

const (
	napGameBiz = "nap_cn"

	gameRolesPath    = "/binding/api/getUserGameRolesByCookie"
	loginAccountPath = "/common/badge/v1/login/account"
	loginInfoPath    = "/common/badge/v1/login/info"
)

// UserSession is the game role the tool acts as for this process.
type UserSession struct {
	UID      string `json:"uid"`
	Nickname string `json:"nickname"`
	Level    int    `json:"level"`
	Region   string `json:"region"`
}

// GameRole is a vendor account's binding to one game server.
type GameRole struct {
	GameBiz    string `json:"game_biz"`
	Region     string `json:"region"`
	GameUID    string `json:"game_uid"`
	Nickname   string `json:"nickname"`
	Level      int    `json:"level"`
	IsChosen   bool   `json:"is_chosen"`
	RegionName string `json:"region_name"`
	IsOfficial bool   `json:"is_official"`
}

func (r *GameRole) session() *UserSession {
	return &UserSession{UID: r.GameUID, Nickname: r.Nickname, Level: r.Level, Region: r.Region}
}

type gameRolesData struct {
	List []GameRole `json:"list"`
}

type loginInfoData struct {
	GameUID  string `json:"game_uid"`
	Region   string `json:"region"`
	Nickname string `json:"nickname"`
	Level    int    `json:"level"`
}

// SessionCache holds the acting role. Population is not deduplicated:
// concurrent callers on a cold cache may each fetch, and the last write wins
// with equivalent data.
type SessionCache struct {
	gw     *Gateway
	logger Logger

	mu      sync.RWMutex
	session *UserSession
}

func NewSessionCache(gw *Gateway, logger Logger) *SessionCache {
	return &SessionCache{gw: gw, logger: logger}
}

func (s *SessionCache) Get() *UserSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	return &cp
}

func (s *SessionCache) Set(session *UserSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
}

// Reset forgets the role so the next call re-runs login info and role fetch.
func (s *SessionCache) Reset() {
	s.Set(nil)
}

// Ensure returns the cached role, populating it from the current login info
// or, failing that, from the account's bound roles.
func (s *SessionCache) Ensure(ctx context.Context) (*UserSession, error) {
	if session := s.Get(); session != nil {
		return session, nil
	}

	info, err := Request[loginInfoData](ctx, s.gw, loginInfoPath, roleHost, RequestOptions{
		Params: map[string]any{"game_biz": napGameBiz, "lang": "zh-cn"},
	})
	var apiErr *ApiResponseError
	switch {
	case err == nil && info.Data.GameUID != "":
		session := &UserSession{
			UID:      info.Data.GameUID,
			Nickname: info.Data.Nickname,
			Level:    info.Data.Level,
			Region:   info.Data.Region,
		}
		s.Set(session)
		s.logger.Log("Session resolved from login info: uid %s (%s)", session.UID, session.Region)
		return session, nil
	case err != nil && !errors.As(err, &apiErr):
		return nil, err
	}

	if _, err := s.InitializeNapToken(ctx); err != nil {
		return nil, err
	}
	return s.Get(), nil
}

// InitializeNapToken picks the account's primary nap_cn role, binds the
// badge session to it and caches it.
func (s *SessionCache) InitializeNapToken(ctx context.Context) (*GameRole, error) {
	roles, err := Request[gameRolesData](ctx, s.gw, gameRolesPath, roleHost, RequestOptions{
		Params: map[string]any{"game_biz": napGameBiz},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch game roles: %w", err)
	}

	role := primaryRole(roles.Data.List)
	if role == nil {
		return nil, NewFatalError(ErrNoGameRole)
	}

	_, err = s.gw.Do(ctx, loginAccountPath, roleHost, RequestOptions{
		Method: http.MethodPost,
		Body: map[string]string{
			"region":   role.Region,
			"uid":      role.GameUID,
			"game_biz": napGameBiz,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bind login account: %w", err)
	}

	s.Set(role.session())
	s.logger.Log("Session bound to %s (uid %s, level %d)", role.Nickname, role.GameUID, role.Level)
	return role, nil
}

// primaryRole prefers the chosen nap_cn role, then the first one.
func primaryRole(roles []GameRole) *GameRole {
	var first *GameRole
	for i := range roles {
		r := &roles[i]
		if r.GameBiz != "" && r.GameBiz != napGameBiz {
			continue
		}
		if r.IsChosen {
			return r
		}
		if first == nil {
			first = r
		}
	}
	return first
}
