package main

import (
	"context"
	"encoding/json"

	http "github.com/bogdanfinn/fhttp"
	"golang.org/x/sync/errgroup"
)

const (
	avatarBasicListPath   = "/event/nap_cultivate_tool/user/avatar_basic_list"
	avatarDetailBatchPath = "/event/nap_cultivate_tool/user/batch_avatar_detail_v2"
	buddyListPath         = "/event/nap_cultivate_tool/user/buddy_list"
	batchComputePath      = "/event/nap_cultivate_tool/user/batch_compute"
	notePath              = "/event/game_record_zzz/api/zzz/note"
)

// RoleOverride targets a specific role instead of the cached session.
type RoleOverride struct {
	UID    string
	Region string
}

type AvatarBasic struct {
	ID               int    `json:"id"`
	Level            int    `json:"level"`
	Name             string `json:"name_mi18n"`
	FullName         string `json:"full_name_mi18n"`
	ElementType      int    `json:"element_type"`
	CampName         string `json:"camp_name_mi18n"`
	AvatarProfession int    `json:"avatar_profession"`
	Rarity           string `json:"rarity"`
	Rank             int    `json:"rank"`
	Unlocked         bool   `json:"unlocked"`
}

type avatarBasicListData struct {
	List []struct {
		Avatar   AvatarBasic `json:"avatar"`
		Unlocked bool        `json:"unlocked"`
	} `json:"list"`
}

// AvatarDetail keeps the vendor's detail document whole; only the fields the
// tool itself reads are decoded.
type AvatarDetail struct {
	AvatarID int             `json:"avatar_id"`
	Level    int             `json:"level"`
	Raw      json.RawMessage `json:"-"`
}

func (d *AvatarDetail) UnmarshalJSON(b []byte) error {
	var head struct {
		Avatar struct {
			ID    int `json:"id"`
			Level int `json:"level"`
		} `json:"avatar"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	d.AvatarID = head.Avatar.ID
	d.Level = head.Avatar.Level
	d.Raw = append(d.Raw[:0], b...)
	return nil
}

func (d AvatarDetail) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	return json.Marshal(map[string]any{"avatar": map[string]int{"id": d.AvatarID, "level": d.Level}})
}

type avatarDetailQuery struct {
	AvatarID         int  `json:"avatar_id"`
	IsTeaser         bool `json:"is_teaser"`
	TeaserNeedWeapon bool `json:"teaser_need_weapon"`
	TeaserSpSkill    bool `json:"teaser_sp_skill"`
}

type avatarDetailData struct {
	List []AvatarDetail `json:"list"`
}

type Buddy struct {
	ID       int    `json:"id"`
	Level    int    `json:"level"`
	Name     string `json:"name"`
	Rarity   string `json:"rarity"`
	Star     int    `json:"star"`
	Unlocked bool   `json:"unlocked"`
}

type buddyListData struct {
	List []Buddy `json:"list"`
}

// Note is the energy and daily-activity summary from the game record.
type Note struct {
	Energy struct {
		Progress struct {
			Max     int `json:"max"`
			Current int `json:"current"`
		} `json:"progress"`
		Restore int `json:"restore"`
	} `json:"energy"`
	Vitality struct {
		Max     int `json:"max"`
		Current int `json:"current"`
	} `json:"vitality"`
	VhsSale struct {
		SaleState string `json:"sale_state"`
	} `json:"vhs_sale"`
	CardSign string `json:"card_sign"`
}

// MaterialCalcRequest asks for the cost of levelling one avatar from its
// current state to the target levels.
type MaterialCalcRequest struct {
	AvatarID          int   `json:"avatar_id"`
	AvatarLevel       int   `json:"avatar_level"`
	AvatarLevelTarget int   `json:"avatar_level_target"`
	SkillLevels       []int `json:"skill_level_list,omitempty"`
	SkillTargets      []int `json:"skill_level_target_list,omitempty"`
	WeaponID          int   `json:"weapon_id,omitempty"`
	WeaponLevel       int   `json:"weapon_level,omitempty"`
	WeaponLevelTarget int   `json:"weapon_level_target,omitempty"`
}

type MaterialCost struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Num  int    `json:"num"`
}

type MaterialCalcResult struct {
	AvatarID  int            `json:"avatar_id"`
	Materials []MaterialCost `json:"materials"`
}

type batchComputeData struct {
	Items []MaterialCalcResult `json:"items"`
}

// API is the set of per-endpoint callers. None of them retry on their own.
type API struct {
	gw       *Gateway
	sessions SessionEnsurer
	cfg      Config
}

func NewAPI(gw *Gateway, sessions SessionEnsurer, cfg Config) *API {
	return &API{gw: gw, sessions: sessions, cfg: cfg}
}

func (a *API) resolveSession(ctx context.Context, override *RoleOverride) (*UserSession, error) {
	if override != nil && override.UID != "" && override.Region != "" {
		return &UserSession{UID: override.UID, Region: override.Region}, nil
	}
	if a.sessions != nil {
		session, err := a.sessions.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return session, nil
		}
	}
	return nil, ErrNoUserSession
}

func roleParams(s *UserSession) map[string]any {
	return map[string]any{"uid": s.UID, "region": s.Region}
}

// GameRoles lists the nap_cn roles bound to the logged-in account.
func (a *API) GameRoles(ctx context.Context) ([]GameRole, error) {
	resp, err := Request[gameRolesData](ctx, a.gw, gameRolesPath, roleHost, RequestOptions{
		Params: map[string]any{"game_biz": napGameBiz},
	})
	if err != nil {
		return nil, err
	}
	return resp.Data.List, nil
}

// AvatarList returns the roster of owned agents.
func (a *API) AvatarList(ctx context.Context, override *RoleOverride) ([]AvatarBasic, error) {
	session, err := a.resolveSession(ctx, override)
	if err != nil {
		return nil, err
	}
	resp, err := Request[avatarBasicListData](ctx, a.gw, avatarBasicListPath, calculatorHost, RequestOptions{
		Params: roleParams(session),
	})
	if err != nil {
		return nil, err
	}

	out := make([]AvatarBasic, 0, len(resp.Data.List))
	for _, item := range resp.Data.List {
		avatar := item.Avatar
		avatar.Unlocked = avatar.Unlocked || item.Unlocked
		out = append(out, avatar)
	}
	return out, nil
}

// AvatarDetails fetches the detail document for each id, batching the ids
// and sending all batches at once. Results keep the order of ids.
func (a *API) AvatarDetails(ctx context.Context, ids []int, override *RoleOverride) ([]AvatarDetail, error) {
	session, err := a.resolveSession(ctx, override)
	if err != nil {
		return nil, err
	}

	return fanOut(ctx, chunk(ids, a.cfg.BatchSize), func(ctx context.Context, batch []int) ([]AvatarDetail, error) {
		query := make([]avatarDetailQuery, len(batch))
		for i, id := range batch {
			query[i] = avatarDetailQuery{AvatarID: id}
		}
		resp, err := Request[avatarDetailData](ctx, a.gw, avatarDetailBatchPath, calculatorHost, RequestOptions{
			Method: http.MethodPost,
			Params: roleParams(session),
			Body:   map[string]any{"avatar_list": query},
		})
		if err != nil {
			return nil, err
		}
		return resp.Data.List, nil
	})
}

// BuddyList returns the owned bangboo.
func (a *API) BuddyList(ctx context.Context, override *RoleOverride) ([]Buddy, error) {
	session, err := a.resolveSession(ctx, override)
	if err != nil {
		return nil, err
	}
	resp, err := Request[buddyListData](ctx, a.gw, buddyListPath, calculatorHost, RequestOptions{
		Params: roleParams(session),
	})
	if err != nil {
		return nil, err
	}
	return resp.Data.List, nil
}

// Note returns the current energy and daily activity summary.
func (a *API) Note(ctx context.Context, override *RoleOverride) (*Note, error) {
	session, err := a.resolveSession(ctx, override)
	if err != nil {
		return nil, err
	}
	// The game record host names the role server/role_id, not region/uid.
	resp, err := Request[Note](ctx, a.gw, notePath, recordHost, RequestOptions{
		Params: map[string]any{"server": session.Region, "role_id": session.UID},
	})
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// CalculateMaterials prices each request, batching like AvatarDetails.
func (a *API) CalculateMaterials(ctx context.Context, reqs []MaterialCalcRequest, override *RoleOverride) ([]MaterialCalcResult, error) {
	session, err := a.resolveSession(ctx, override)
	if err != nil {
		return nil, err
	}

	return fanOut(ctx, chunk(reqs, a.cfg.BatchSize), func(ctx context.Context, batch []MaterialCalcRequest) ([]MaterialCalcResult, error) {
		resp, err := Request[batchComputeData](ctx, a.gw, batchComputePath, calculatorHost, RequestOptions{
			Method: http.MethodPost,
			Params: roleParams(session),
			Body:   map[string]any{"items": batch},
		})
		if err != nil {
			return nil, err
		}
		return resp.Data.Items, nil
	})
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

// fanOut runs fn for every batch concurrently and concatenates the results
// in batch order. The first error cancels the remaining batches.
func fanOut[In, Out any](ctx context.Context, batches [][]In, fn func(context.Context, []In) ([]Out, error)) ([]Out, error) {
	results := make([][]Out, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			out, err := fn(gctx, batch)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var flat []Out
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat, nil
}
