package idp

import (
	"context"
	"fmt"

	profiledomain "idp-user-sync/internal/profile/domain"
	userdomain "idp-user-sync/internal/user/domain"
)

// ImportPayload is the human-user import body. Field names are the IdP wire contract.
type ImportPayload struct {
	UserName       string         `json:"userName"`
	Profile        ProfilePayload `json:"profile"`
	Email          EmailPayload   `json:"email"`
	HashedPassword HashedPassword `json:"hashedPassword"`
}

// ProfilePayload is used both inside ImportPayload and for the profile sub-resource update.
type ProfilePayload struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DisplayName string `json:"displayName"`
	NickName    string `json:"nickName"`
}

type EmailPayload struct {
	Email           string `json:"email"`
	IsEmailVerified bool   `json:"isEmailVerified"`
}

type HashedPassword struct {
	Value string `json:"value"`
}

type UsernamePayload struct {
	UserName string `json:"userName"`
}

// PrepareImportPayload builds the import body for u and p. Imported emails are always marked verified.
func PrepareImportPayload(u *userdomain.User, p *profiledomain.Profile) ImportPayload {
	return ImportPayload{
		UserName:       u.Username(),
		Profile:        NewProfilePayload(p),
		Email:          EmailPayload{Email: u.Email, IsEmailVerified: true},
		HashedPassword: HashedPassword{Value: u.PasswordHash},
	}
}

// NewProfilePayload maps p to the profile sub-resource body.
func NewProfilePayload(p *profiledomain.Profile) ProfilePayload {
	return ProfilePayload{
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		DisplayName: p.DisplayName(),
		NickName:    p.Nickname,
	}
}

// Paths builds management API paths for one API version.
type Paths struct {
	version string
}

func NewPaths(version string) Paths {
	if version == "" {
		version = "v1"
	}
	return Paths{version: version}
}

func (p Paths) prefix() string { return "/management/" + p.version }

func (p Paths) Import() string { return p.prefix() + "/users/human/_import" }

func (p Paths) Search() string { return p.prefix() + "/users/_search" }

func (p Paths) Profile(externalID string) string {
	return fmt.Sprintf("%s/users/%s/profile", p.prefix(), externalID)
}

func (p Paths) Email(externalID string) string {
	return fmt.Sprintf("%s/users/%s/email", p.prefix(), externalID)
}

func (p Paths) Username(externalID string) string {
	return fmt.Sprintf("%s/users/%s/username", p.prefix(), externalID)
}

// SearchRequest is the user search body.
type SearchRequest struct {
	Queries []SearchQuery `json:"queries"`
}

type SearchQuery struct {
	UserNameQuery *UserNameQuery `json:"userNameQuery,omitempty"`
}

type UserNameQuery struct {
	UserName string `json:"userName"`
	Method   string `json:"method"`
}

// TextQueryEquals requests an exact, case-sensitive match.
const TextQueryEquals = "TEXT_QUERY_METHOD_EQUALS"

// Poster is the part of Client the typed helpers need.
type Poster interface {
	Post(ctx context.Context, path string, body any) (*Response, error)
	Paths() Paths
}

// SearchUserByUserName returns the IdP id of the user whose userName equals userName, or "" when none.
func SearchUserByUserName(ctx context.Context, c Poster, userName string) (string, error) {
	body := SearchRequest{Queries: []SearchQuery{{
		UserNameQuery: &UserNameQuery{UserName: userName, Method: TextQueryEquals},
	}}}
	resp, err := c.Post(ctx, c.Paths().Search(), body)
	if err != nil {
		return "", err
	}
	var out struct {
		Result []struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if len(out.Result) == 0 {
		return "", nil
	}
	return out.Result[0].ID, nil
}

// UserIDFrom extracts "userId" from an import response.
func UserIDFrom(resp *Response) (string, error) {
	var out struct {
		UserID string `json:"userId"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.UserID == "" {
		return "", &Error{Kind: KindDecode, Status: resp.Status, Message: "response has no userId"}
	}
	return out.UserID, nil
}
