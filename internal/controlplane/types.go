package controlplane

import (
	"time"

	"github.com/kraiz/nusbot/internal/filelist"
)

type Status struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Revision  string        `json:"revision,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Uptime    string        `json:"uptime"`
	Hub       HubStatus     `json:"hub"`
	Fetch     FetchStatus   `json:"fetch"`
	Storage   StorageStatus `json:"storage"`
}

type HubStatus struct {
	Address        string     `json:"address"`
	State          string     `json:"state"`
	SID            string     `json:"sid,omitempty"`
	Name           string     `json:"name,omitempty"`
	ConnectedSince *time.Time `json:"connectedSince,omitempty"`
	Users          int        `json:"users"`
}

type FetchStatus struct {
	Mode             string `json:"mode"`
	Pending          int    `json:"pending"`
	Running          int    `json:"running"`
	SchedulerRunning bool   `json:"schedulerRunning"`
}

type StorageStatus struct {
	Snapshots  int        `json:"snapshots"`
	Changes    int        `json:"changes"`
	LastChange *time.Time `json:"lastChange,omitempty"`
}

type User struct {
	SID         string     `json:"sid"`
	CID         string     `json:"cid,omitempty"`
	Nick        string     `json:"nick"`
	Address     string     `json:"address,omitempty"`
	Features    []string   `json:"features,omitempty"`
	Pending     bool       `json:"pending"`
	LastFetched *time.Time `json:"lastFetched,omitempty"`
}

type Change struct {
	ID        int64             `json:"id"`
	CID       string            `json:"cid"`
	Nick      string            `json:"nick"`
	Timestamp time.Time         `json:"timestamp"`
	Removed   []filelist.Record `json:"removed"`
	Added     []filelist.Record `json:"added"`
}

type ChangesResponse struct {
	Since   time.Time `json:"since"`
	Changes []Change  `json:"changes"`
}

type FetchResponse struct {
	CID    string `json:"cid"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
