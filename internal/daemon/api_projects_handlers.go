package daemon

import (
	"net/http"

	"stratavore/internal/types"
)

func (a *API) ProjectsList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, projectsResponse{Projects: a.Fleet.ListProjects(queryValue(r, "status"))})
}

func (a *API) ProjectGet(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	name := queryValue(r, "name")
	if name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	project, err := a.Fleet.GetProject(name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{Project: project})
}

func (a *API) ProjectCreate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.CreateProjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	project, err := a.Fleet.CreateProject(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, projectResponse{Project: project})
}

func (a *API) ProjectArchive(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.ProjectNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	project, err := a.Fleet.ArchiveProject(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse{Project: project})
}

func (a *API) ProjectDelete(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req types.ProjectNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.Fleet.DeleteProject(r.Context(), req.Name); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
