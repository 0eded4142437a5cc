package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/url"

	"github.com/peregrine-im/matrix-go/internal/canonical"
	"github.com/peregrine-im/matrix-go/internal/cryptostore"
	"github.com/peregrine-im/matrix-go/internal/keydir"
	"github.com/peregrine-im/matrix-go/internal/olm"
	"github.com/peregrine-im/matrix-go/internal/transport"
)

const apiPrefix = "/_matrix/client/v3"

// apiClient issues request/response calls on its own connection, leaving
// the sync connection free for the long poll.
type apiClient struct {
	conn   *transport.Conn
	token  string
	logger *log.Logger
}

func (a *apiClient) do(method, path string, body, out any) error {
	var payload []byte
	headers := map[string]string{}
	if a.token != "" {
		headers["Authorization"] = "Bearer " + a.token
	}
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engine: encode %s: %w", path, err)
		}
		headers["Content-Type"] = "application/json"
	}
	resp, err := a.conn.Request(method, path, headers, payload)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("engine: decode %s: %w", path, err)
	}
	return nil
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// login authenticates with a password and stores the access token for
// all later calls. A non-empty deviceID asks the server to reuse it.
func (a *apiClient) login(username, password, deviceID, displayName string) (*loginResponse, error) {
	body := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": username,
		},
		"password": password,
	}
	if deviceID != "" {
		body["device_id"] = deviceID
	}
	if displayName != "" {
		body["initial_device_display_name"] = displayName
	}
	var resp loginResponse
	if err := a.do("POST", apiPrefix+"/login", body, &resp); err != nil {
		return nil, fmt.Errorf("engine: login: %w", err)
	}
	a.token = resp.AccessToken
	return &resp, nil
}

// uploadKeys publishes device keys (only while unshared) and the pending
// one-time/fallback keys, all self-signed with canonical JSON. Returns
// the server's resulting signed_curve25519 count.
func (a *apiClient) uploadKeys(userID, deviceID string, acct *olm.Account, batch *cryptostore.KeyBatch) (int64, error) {
	body := map[string]any{}

	if !acct.Shared {
		curve := acct.Curve25519Key()
		deviceKeys := map[string]any{
			"user_id":   userID,
			"device_id": deviceID,
			"algorithms": []string{
				"m.olm.v1.curve25519-aes-sha2",
				"m.megolm.v1.aes-sha2",
			},
			"keys": map[string]any{
				"curve25519:" + deviceID: base64.RawStdEncoding.EncodeToString(curve[:]),
				"ed25519:" + deviceID:    base64.RawStdEncoding.EncodeToString(acct.Ed25519Key()),
			},
		}
		signed, err := canonical.SignJSON(acct.SigningKey(), userID, deviceID, deviceKeys)
		if err != nil {
			return 0, fmt.Errorf("engine: sign device keys: %w", err)
		}
		body["device_keys"] = signed
	}

	if batch != nil {
		otks := map[string]any{}
		for _, k := range batch.OneTimeKeys {
			signed, err := a.signedKey(userID, deviceID, acct, k, false)
			if err != nil {
				return 0, err
			}
			otks["signed_curve25519:"+k.ID] = signed
		}
		if len(otks) > 0 {
			body["one_time_keys"] = otks
		}
		if batch.Fallback != nil {
			signed, err := a.signedKey(userID, deviceID, acct, *batch.Fallback, true)
			if err != nil {
				return 0, err
			}
			body["fallback_keys"] = map[string]any{
				"signed_curve25519:" + batch.Fallback.ID: signed,
			}
		}
	}

	var resp struct {
		Counts map[string]int64 `json:"one_time_key_counts"`
	}
	if err := a.do("POST", apiPrefix+"/keys/upload", body, &resp); err != nil {
		return 0, fmt.Errorf("engine: keys/upload: %w", err)
	}
	return resp.Counts["signed_curve25519"], nil
}

func (a *apiClient) signedKey(userID, deviceID string, acct *olm.Account, k olm.OneTimeKey, fallback bool) (map[string]any, error) {
	obj := map[string]any{"key": k.PublicBase64()}
	if fallback {
		obj["fallback"] = true
	}
	signed, err := canonical.SignJSON(acct.SigningKey(), userID, deviceID, obj)
	if err != nil {
		return nil, fmt.Errorf("engine: sign one-time key: %w", err)
	}
	return signed, nil
}

// QueryKeys implements keydir.QueryClient with one batched keys/query.
func (a *apiClient) QueryKeys(users []string) (map[string]keydir.QueryResult, error) {
	wanted := map[string][]string{}
	for _, u := range users {
		wanted[u] = []string{}
	}
	var resp struct {
		DeviceKeys      map[string]map[string]json.RawMessage `json:"device_keys"`
		MasterKeys      map[string]json.RawMessage            `json:"master_keys"`
		SelfSigningKeys map[string]json.RawMessage            `json:"self_signing_keys"`
	}
	err := a.do("POST", apiPrefix+"/keys/query", map[string]any{"device_keys": wanted}, &resp)
	if err != nil {
		return nil, fmt.Errorf("engine: keys/query: %w", err)
	}

	results := map[string]keydir.QueryResult{}
	for _, u := range users {
		results[u] = keydir.QueryResult{
			MasterKey:      resp.MasterKeys[u],
			SelfSigningKey: resp.SelfSigningKeys[u],
			Devices:        resp.DeviceKeys[u],
		}
	}
	return results, nil
}

// sendToDevice delivers one event type to a set of devices under a fresh
// transaction id. The id doubles as the server-side de-duplication token
// across the transport's single retry.
func (a *apiClient) sendToDevice(eventType, txnID string, messages map[string]map[string]any) error {
	path := fmt.Sprintf("%s/sendToDevice/%s/%s", apiPrefix, url.PathEscape(eventType), txnID)
	if err := a.do("PUT", path, map[string]any{"messages": messages}, nil); err != nil {
		return fmt.Errorf("engine: sendToDevice %s: %w", eventType, err)
	}
	return nil
}

type historyResponse struct {
	Start string            `json:"start"`
	End   string            `json:"end"`
	Chunk []json.RawMessage `json:"chunk"`
}

// messages fetches one history page. dir is "b" or "f"; from may be
// empty to start from the current position.
func (a *apiClient) messages(roomID, from, dir string) (*historyResponse, error) {
	path := fmt.Sprintf("%s/rooms/%s/messages?dir=%s&limit=%d",
		apiPrefix, url.PathEscape(roomID), dir, historyPageSize)
	if from != "" {
		path += "&from=" + url.QueryEscape(from)
	}
	var resp historyResponse
	if err := a.do("GET", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("engine: messages %s: %w", roomID, err)
	}
	return &resp, nil
}
