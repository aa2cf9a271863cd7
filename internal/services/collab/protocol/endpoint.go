package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Query parameter names of the coordination endpoint.
const (
	QueryRoomID   = "roomId"
	QueryUserID   = "userId"
	QueryUserName = "userName"
	QueryToken    = "token"
)

// Identity is the already-authenticated member a connection speaks for.
type Identity struct {
	RoomID   string
	UserID   string
	UserName string
	Token    string
}

// EndpointURL builds the room-scoped websocket URL from a base such as
// "wss://host", "https://host" or "host:8090". HTTP schemes are mapped to
// their websocket counterparts.
func EndpointURL(base string, identity Identity) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", errors.New("server url is required")
	}
	if strings.TrimSpace(identity.RoomID) == "" {
		return "", errors.New("room id is required")
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return "", errors.New("user id is required")
	}
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + Path

	q := url.Values{}
	q.Set(QueryRoomID, identity.RoomID)
	q.Set(QueryUserID, identity.UserID)
	q.Set(QueryUserName, identity.UserName)
	if token := strings.TrimSpace(identity.Token); token != "" {
		q.Set(QueryToken, token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IdentityFromQuery reads the connection identity from endpoint query values.
func IdentityFromQuery(q url.Values) (Identity, error) {
	identity := Identity{
		RoomID:   strings.TrimSpace(q.Get(QueryRoomID)),
		UserID:   strings.TrimSpace(q.Get(QueryUserID)),
		UserName: strings.TrimSpace(q.Get(QueryUserName)),
		Token:    strings.TrimSpace(q.Get(QueryToken)),
	}
	if identity.RoomID == "" {
		return Identity{}, errors.New("roomId is required")
	}
	if identity.UserID == "" {
		return Identity{}, errors.New("userId is required")
	}
	if identity.UserName == "" {
		identity.UserName = identity.UserID
	}
	return identity, nil
}
