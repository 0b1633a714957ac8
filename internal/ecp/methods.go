package ecp

// Method names handled by the core itself. Everything else is routed to a
// registered service by namespace.
const (
	// MethodAuthRequired is the notification announcing that the
	// handshake protocol must be completed.
	MethodAuthRequired = "auth/required"
	// MethodAuthHandshake is the shared-secret handshake request.
	MethodAuthHandshake = "auth/handshake"
	// MethodServerConnected is the post-auth welcome notification.
	MethodServerConnected = "server/connected"
	// MethodWorkspaceOpen opens (or joins) a workspace for the caller.
	MethodWorkspaceOpen = "workspace/open"
	// MethodWorkspaceClose releases the caller's workspace.
	MethodWorkspaceClose = "workspace/close"
)

// AuthRequiredParams is the payload of the auth/required notification.
type AuthRequiredParams struct {
	ServerVersion string `json:"serverVersion"`
	// Timeout is the handshake deadline in milliseconds.
	Timeout int64 `json:"timeout"`
}

// ClientDetails identifies the connecting client program.
type ClientDetails struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// HandshakeParams is the payload of the auth/handshake request.
type HandshakeParams struct {
	Token  string         `json:"token"`
	Client *ClientDetails `json:"client,omitempty"`
}

// HandshakeResult is the success result of auth/handshake.
type HandshakeResult struct {
	ClientID        string `json:"clientId"`
	SessionID       string `json:"sessionId"`
	ServerVersion   string `json:"serverVersion"`
	WorkspaceRoot   string `json:"workspaceRoot,omitempty"`
	CertFingerprint string `json:"certFingerprint,omitempty"`
}

// ConnectedParams is the payload of the server/connected notification.
type ConnectedParams struct {
	ClientID      string `json:"clientId"`
	ServerVersion string `json:"serverVersion"`
	WorkspaceRoot string `json:"workspaceRoot,omitempty"`
}

// WorkspaceOpenParams is the payload of workspace/open.
type WorkspaceOpenParams struct {
	Path string `json:"path"`
}

// WorkspaceOpenResult is the result of workspace/open.
type WorkspaceOpenResult struct {
	WorkspaceID string `json:"workspaceId"`
	Path        string `json:"path"`
}

// WorkspaceCloseResult is the result of workspace/close.
type WorkspaceCloseResult struct {
	WorkspaceClosed bool `json:"workspaceClosed"`
}
