package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/chat-relay/internal/server"
	"github.com/npezzotti/chat-relay/internal/stats"
	"github.com/npezzotti/chat-relay/internal/store"
	"github.com/npezzotti/chat-relay/internal/upload"
)

// room for the multipart framing around the file itself
const multipartOverhead = 1 << 20

type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *ChatRelayApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatRelayApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatRelayApp) getRooms(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, s.cs.Rooms())
}

func (s *ChatRelayApp) getUsers(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, s.cs.Users())
}

func (s *ChatRelayApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.cs.CreateRoom(name, strings.TrimSpace(req.Description))
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *ChatRelayApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomId := r.URL.Query().Get("id")
	if roomId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.cs.DeleteRoom(roomId); err != nil {
		var errResp *ApiError
		switch {
		case errors.Is(err, store.ErrRoomNotFound):
			errResp = NewNotFoundError()
		case errors.Is(err, store.ErrForbidden):
			errResp = NewForbiddenError()
		default:
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatRelayApp) uploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxSize()+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			errResp := NewInvalidUploadError(upload.ErrNoFile)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		if err != nil {
			s.writeUploadError(w, err)
			return
		}

		if part.FormName() != upload.FormField || part.FileName() == "" {
			part.Close()
			continue
		}

		att, err := s.uploads.Save(part.FileName(), part)
		part.Close()
		if err != nil {
			s.writeUploadError(w, err)
			return
		}

		s.stats.Incr(stats.Uploads)
		s.writeJson(w, http.StatusOK, att)
		return
	}
}

func (s *ChatRelayApp) writeUploadError(w http.ResponseWriter, err error) {
	var (
		errResp  *ApiError
		maxBytes *http.MaxBytesError
	)
	switch {
	case errors.Is(err, upload.ErrTooLarge), errors.As(err, &maxBytes):
		errResp = NewPayloadTooLargeError()
	case errors.Is(err, upload.ErrTypeNotAllowed), errors.Is(err, upload.ErrNoFile):
		errResp = NewInvalidUploadError(err)
	default:
		s.log.Println("upload:", err)
		errResp = NewInternalServerError(err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatRelayApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients send no origin
		return true
	}

	return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
}

func (s *ChatRelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(conn, s.cs, s.log, identity)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
