package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/pkg/models"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	infos, err := s.repo.ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []models.ConversationInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type createConversationResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.repo.CreateConversation(r.Context(), req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createConversationResponse{ID: id})
}

type conversationDetail struct {
	models.ConversationInfo
	History []models.Message `json:"history"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.repo.GetConversationInfo(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	history, err := s.repo.GetHistory(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if history == nil {
		history = []models.Message{}
	}
	writeJSON(w, http.StatusOK, conversationDetail{ConversationInfo: info, History: history})
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var req renameConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}
	if err := s.repo.RenameConversation(r.Context(), r.PathValue("id"), req.Title); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	export, err := s.repo.ExportConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

type importConversationResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleImportConversation(w http.ResponseWriter, r *http.Request) {
	var export conversations.Export
	if err := json.NewDecoder(r.Body).Decode(&export); err != nil {
		writeError(w, http.StatusBadRequest, "invalid export document: "+err.Error())
		return
	}
	id, err := s.repo.ImportConversation(r.Context(), &export)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, importConversationResponse{ID: id})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	results, err := s.repo.SearchMessages(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversations.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
