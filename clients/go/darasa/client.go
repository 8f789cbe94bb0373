// Package darasa provides a client for the darasa school messaging API,
// including a durable offline outbox and a reconnect-aware realtime channel.
package darasa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Client is a darasa API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	MemberID   string
	OrgID      string
	Token      string
	HTTPClient *http.Client

	outbox *Outbox
}

// Config holds member credentials.
type Config struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Token string `json:"token"`
}

// NewClient creates a new darasa client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("DARASA_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".darasa")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads member credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "member.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	c.MemberID = config.ID
	c.OrgID = config.OrgID
	c.Token = config.Token
	return nil
}

// SaveConfig saves member credentials to disk.
func (c *Client) SaveConfig() error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{
		ID:    c.MemberID,
		OrgID: c.OrgID,
		Token: c.Token,
	}

	data, _ := json.MarshalIndent(config, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "member.json"), data, 0600)
}

// Outbox lazily opens the client's offline outbox next to its config.
func (c *Client) Outbox() (*Outbox, error) {
	if c.outbox != nil {
		return c.outbox, nil
	}
	outbox, err := NewOutbox(filepath.Join(c.ConfigDir, "outbox.db"))
	if err != nil {
		return nil, err
	}
	c.outbox = outbox
	return outbox, nil
}

// doRequest performs an HTTP request.
func (c *Client) doRequest(method, path string, body []byte, authed bool) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// APIError is an error response from the darasa server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("darasa error %d: %s", e.Status, e.Message)
}

// RegisterRequest is the request body for member registration.
type RegisterRequest struct {
	OrgID string `json:"org_id"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// RegisterResponse is the response from member registration.
type RegisterResponse struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`
	Token string `json:"token"`
}

// Register registers a new member and saves the credentials.
func (c *Client) Register(orgID, name, role string) (*RegisterResponse, error) {
	body, _ := json.Marshal(RegisterRequest{OrgID: orgID, Name: name, Role: role})
	respBody, err := c.doRequest("POST", "/register", body, false)
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}

	c.MemberID = resp.ID
	c.OrgID = resp.OrgID
	c.Token = resp.Token
	if err := c.SaveConfig(); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Thread represents a thread in API responses.
type Thread struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Subject      string `json:"subject"`
	LastActiveAt int64  `json:"last_active_at"`
	MessageCount int64  `json:"message_count"`
	Unread       int64  `json:"unread"`
}

// ThreadsResponse is the response from listing threads.
type ThreadsResponse struct {
	Threads []Thread `json:"threads"`
	Total   int      `json:"total"`
}

// ListThreads lists the member's threads with unread counts.
func (c *Client) ListThreads() (*ThreadsResponse, error) {
	respBody, err := c.doRequest("GET", "/threads", nil, true)
	if err != nil {
		return nil, err
	}

	var resp ThreadsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateThreadRequest is the request body for creating a thread.
type CreateThreadRequest struct {
	Kind         string   `json:"kind"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
}

// CreateThread creates a new direct or group thread.
func (c *Client) CreateThread(kind, subject string, participants []string) (*Thread, error) {
	body, _ := json.Marshal(CreateThreadRequest{Kind: kind, Subject: subject, Participants: participants})
	respBody, err := c.doRequest("POST", "/threads", body, true)
	if err != nil {
		return nil, err
	}

	var resp Thread
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message represents a chat message.
type Message struct {
	ID          string `json:"id"`
	From        string `json:"from"`
	Body        string `json:"body"`
	ClientMsgID string `json:"cid,omitempty"`
	ParentID    string `json:"pid,omitempty"`
	Timestamp   int64  `json:"ts"`
}

// MessagesResponse is the response from getting thread messages.
type MessagesResponse struct {
	Thread   Thread    `json:"thread"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// GetMessages retrieves messages from a thread.
func (c *Client) GetMessages(threadID string, limit int, before int64) (*MessagesResponse, error) {
	path := fmt.Sprintf("/threads/%s?limit=%d", threadID, limit)
	if before > 0 {
		path += fmt.Sprintf("&before=%d", before)
	}

	respBody, err := c.doRequest("GET", path, nil, true)
	if err != nil {
		return nil, err
	}

	var resp MessagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessageRequest is the request body for posting a message.
type PostMessageRequest struct {
	Body        string `json:"body"`
	ClientMsgID string `json:"cid,omitempty"`
	ParentID    string `json:"pid,omitempty"`
}

// PostMessageResponse is the response from posting a message.
type PostMessageResponse struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// PostMessage posts a message to a thread directly, without touching the
// outbox. Use Send for the offline-aware path.
func (c *Client) PostMessage(threadID, body, parentID string) (*PostMessageResponse, error) {
	reqBody, _ := json.Marshal(PostMessageRequest{Body: body, ParentID: parentID})
	respBody, err := c.doRequest("POST", "/threads/"+threadID+"/messages", reqBody, true)
	if err != nil {
		return nil, err
	}

	var resp PostMessageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MarkReadRequest is the request body for bulk mark-read.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkReadResponse is the response from bulk mark-read.
type MarkReadResponse struct {
	Recorded int `json:"recorded"`
}

// MarkRead records read receipts for messages in a thread.
func (c *Client) MarkRead(threadID string, messageIDs []string) (*MarkReadResponse, error) {
	body, _ := json.Marshal(MarkReadRequest{MessageIDs: messageIDs})
	respBody, err := c.doRequest("POST", "/threads/"+threadID+"/read", body, true)
	if err != nil {
		return nil, err
	}

	var resp MarkReadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateAnnouncementRequest is the request body for posting an announcement.
type CreateAnnouncementRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// CreateAnnouncementResponse is the response from posting an announcement.
type CreateAnnouncementResponse struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	Delivered int64  `json:"delivered"`
}

// CreateAnnouncement posts an organization-wide announcement.
func (c *Client) CreateAnnouncement(subject, body string) (*CreateAnnouncementResponse, error) {
	reqBody, _ := json.Marshal(CreateAnnouncementRequest{Subject: subject, Body: body})
	respBody, err := c.doRequest("POST", "/announcements", reqBody, true)
	if err != nil {
		return nil, err
	}

	var resp CreateAnnouncementResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReceiptDetail is one participant's read status for an announcement.
type ReceiptDetail struct {
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name"`
	ReadAt     *int64 `json:"read_at,omitempty"`
}

// AnnouncementStatsResponse is the response from announcement analytics.
type AnnouncementStatsResponse struct {
	ThreadID  string          `json:"thread_id"`
	MessageID string          `json:"message_id"`
	Delivered int64           `json:"delivered"`
	Read      int64           `json:"read"`
	ReadRate  float64         `json:"read_rate"`
	Details   []ReceiptDetail `json:"details"`
}

// AnnouncementStats retrieves read analytics for an announcement.
func (c *Client) AnnouncementStats(threadID string) (*AnnouncementStatsResponse, error) {
	respBody, err := c.doRequest("GET", "/announcements/"+threadID+"/stats", nil, true)
	if err != nil {
		return nil, err
	}

	var resp AnnouncementStatsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MemberProfile represents a member's public profile.
type MemberProfile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	JoinedAt string `json:"joined_at"`
	Online   bool   `json:"online"`
}

// GetMember gets a member's profile.
func (c *Client) GetMember(memberID string) (*MemberProfile, error) {
	respBody, err := c.doRequest("GET", "/who/"+memberID, nil, true)
	if err != nil {
		return nil, err
	}

	var resp MemberProfile
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health() (*HealthResponse, error) {
	respBody, err := c.doRequest("GET", "/health", nil, false)
	if err != nil {
		return nil, err
	}

	var resp HealthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
