// Package wire defines SynXpo's language-agnostic wire vocabulary (spec
// §6): the shared payload types, the client->server and server->client
// message catalogue, and the envelope + transport that carry them.
//
// The binary encoding is deliberately unconstrained by the spec; this
// package's choice (JSON payloads, either length-delimited over a raw byte
// stream or carried natively by websocket message framing) lives here and
// nowhere else, so swapping it later touches one package.
package wire

import "github.com/google/uuid"

// NewID mints a server-side 128-bit identifier rendered as a v4 UUID
// string, used for directory ids and file ids (spec §3).
func NewID() string {
	return uuid.NewString()
}

// FileType mirrors the {file, directory-entry} discriminator of spec §3.
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirEntry  FileType = "directory-entry"
)

// FileStatus is the arbitration verdict returned by CheckVersionIncrease /
// CheckFilesForRead (spec §4.3).
type FileStatus string

const (
	StatusFree    FileStatus = "FREE"
	StatusBlocked FileStatus = "BLOCKED"
	StatusDenied  FileStatus = "DENIED"
)

// ErrorCode enumerates the wire-level ERROR codes of spec §6.
type ErrorCode string

const (
	ErrCodeDirectoryNotFound ErrorCode = "DIRECTORY_NOT_FOUND"
	ErrCodeFileNotFound      ErrorCode = "FILE_NOT_FOUND"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeInternal          ErrorCode = "INTERNAL"
)

// FileMetadata is the shared file-record projection sent over the wire
// (spec §6). It intentionally excludes lock state and LastTry, which never
// leave the server.
type FileMetadata struct {
	ID                    string   `json:"id"`
	DirectoryID           string   `json:"directory_id"`
	Version               uint64   `json:"version"`
	ContentChangedVersion uint64   `json:"content_changed_version"`
	Type                  FileType `json:"type"`
	CurrentPath           string   `json:"current_path"`
	Deleted               bool     `json:"deleted"`
}

// FileStatusInfo reports the arbitration verdict for one file.
type FileStatusInfo struct {
	ID          string     `json:"id"`
	DirectoryID string     `json:"directory_id"`
	Status      FileStatus `json:"status"`
}

// FileID names a file within a directory.
type FileID struct {
	ID          string `json:"id"`
	DirectoryID string `json:"directory_id"`
}

// FileChunk is one piece of streamed content (FILE_WRITE payload).
type FileChunk struct {
	ID          string `json:"id,omitempty"`
	DirectoryID string `json:"directory_id"`
	CurrentPath string `json:"current_path,omitempty"`
	Offset      int64  `json:"offset"`
	Data        []byte `json:"data"`
}

// Timestamp is microseconds since the Unix epoch, client-minted (spec §3,
// §9: correctness needs a deterministic total order, not wall-clock
// monotonicity across clients).
type Timestamp int64

// VersionIncreaseFile is one entry of an ASK_VERSION_INCREASE request.
type VersionIncreaseFile struct {
	ID             string    `json:"id,omitempty"`
	DirectoryID    string    `json:"directory_id"`
	CurrentPath    string    `json:"current_path"`
	Type           FileType  `json:"type"`
	Deleted        bool      `json:"deleted"`
	ContentChanged bool      `json:"content_changed"`
	FirstTryTime   Timestamp `json:"first_try_time"`
}

// VersionRequest is one entry of a REQUEST_VERSION request: either a whole
// directory or a single file.
type VersionRequest struct {
	DirectoryID string  `json:"directory_id,omitempty"`
	File        *FileID `json:"file,omitempty"`
}

// ---- Client -> Server payloads ----

type DirectoryCreateRequest struct{}

type DirectorySubscribeRequest struct {
	DirectoryID string `json:"directory_id"`
}

type DirectoryUnsubscribeRequest struct {
	DirectoryID string `json:"directory_id"`
}

type RequestVersionRequest struct {
	Requests []VersionRequest `json:"requests"`
}

type AskVersionIncreaseRequest struct {
	Files []VersionIncreaseFile `json:"files"`
}

type FileWriteRequest struct {
	Chunk FileChunk `json:"chunk"`
}

type FileWriteEndRequest struct{}

type RequestFileContentRequest struct {
	Files []FileID `json:"files"`
}

// ---- Server -> Client payloads ----

type OKDirectoryCreated struct {
	DirectoryID string `json:"directory_id"`
}

type OKSubscribed struct {
	DirectoryID string `json:"directory_id"`
}

type OKUnsubscribed struct {
	DirectoryID string `json:"directory_id"`
}

type CheckVersion struct {
	Files []FileMetadata `json:"files"`
}

type VersionIncreaseAllow struct{}

type VersionIncreaseDeny struct {
	Files []FileStatusInfo `json:"files"`
}

type VersionIncreased struct {
	Files []FileMetadata `json:"files"`
}

type FileContentRequestAllow struct{}

type FileContentRequestDeny struct {
	Files []FileStatusInfo `json:"files"`
}

type FileWriteMessage struct {
	Chunk FileChunk `json:"chunk"`
}

type FileWriteEndMessage struct{}

type ErrorMessage struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	FileIDs []string  `json:"file_ids,omitempty"`
}

// Message type discriminators carried in Frame.Type.
const (
	TypeDirectoryCreate      = "DIRECTORY_CREATE"
	TypeDirectorySubscribe   = "DIRECTORY_SUBSCRIBE"
	TypeDirectoryUnsubscribe = "DIRECTORY_UNSUBSCRIBE"
	TypeRequestVersion       = "REQUEST_VERSION"
	TypeAskVersionIncrease   = "ASK_VERSION_INCREASE"
	TypeFileWrite            = "FILE_WRITE"
	TypeFileWriteEnd         = "FILE_WRITE_END"
	TypeRequestFileContent   = "REQUEST_FILE_CONTENT"

	TypeOKDirectoryCreated    = "OK_DIRECTORY_CREATED"
	TypeOKSubscribed          = "OK_SUBSCRIBED"
	TypeOKUnsubscribed        = "OK_UNSUBSCRIBED"
	TypeCheckVersion          = "CHECK_VERSION"
	TypeVersionIncreaseAllow  = "VERSION_INCREASE_ALLOW"
	TypeVersionIncreaseDeny   = "VERSION_INCREASE_DENY"
	TypeVersionIncreased      = "VERSION_INCREASED"
	TypeFileContentAllow      = "FILE_CONTENT_REQUEST_ALLOW"
	TypeFileContentDeny       = "FILE_CONTENT_REQUEST_DENY"
	TypeError                 = "ERROR"
)
