package qlaser

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/uw-acme/qlaser-zcu/pulse"
	"github.com/uw-acme/qlaser-zcu/server"
	"github.com/uw-acme/qlaser-zcu/util"
	"github.com/uw-acme/qlaser-zcu/wavetable"
)

// HTTPController wraps a Controller in an HTTP route table
type HTTPController struct {
	Ctl *Controller

	RouteTable server.RouteTable
}

// NewHTTPController builds the route table for a controller
func NewHTTPController(ctl *Controller) HTTPController {
	h := HTTPController{Ctl: ctl}
	rt := server.RouteTable{
		server.MethodPath{Method: http.MethodGet, Path: "/version"}:        server.GetString(func() (string, error) { return ctl.Session().FirmwareVersion(), nil }),
		server.MethodPath{Method: http.MethodGet, Path: "/state"}:          server.GetString(func() (string, error) { return ctl.Session().State().String(), nil }),
		server.MethodPath{Method: http.MethodGet, Path: "/error-status"}:   server.GetInt(h.errorStatus),
		server.MethodPath{Method: http.MethodGet, Path: "/error-channels"}: server.GetString(h.errorChannels),
		server.MethodPath{Method: http.MethodPost, Path: "/connect"}:       server.Call(ctl.Session().Connect),
		server.MethodPath{Method: http.MethodPost, Path: "/reconnect"}:     server.Call(ctl.Session().Reconnect),
		server.MethodPath{Method: http.MethodPost, Path: "/trigger"}:       server.Call(ctl.Trigger),
		server.MethodPath{Method: http.MethodPost, Path: "/reset"}:         server.Call(ctl.Reset),
		server.MethodPath{Method: http.MethodPost, Path: "/enable"}:        server.SetInt(func(mask int) error { return ctl.EnableChannels(uint32(mask)) }),
		server.MethodPath{Method: http.MethodPost, Path: "/disable"}:       server.SetInt(func(mask int) error { return ctl.DisableChannels(uint32(mask)) }),
		server.MethodPath{Method: http.MethodPost, Path: "/dc"}:            h.writeDC,

		server.MethodPath{Method: http.MethodPost, Path: "/channel/{channel}/waveform"}:        h.loadWaveform,
		server.MethodPath{Method: http.MethodPost, Path: "/channel/{channel}/waveform/verify"}: h.verifyWaveform,
		server.MethodPath{Method: http.MethodPost, Path: "/channel/{channel}/pulses"}:          h.setPulses,
		server.MethodPath{Method: http.MethodGet, Path: "/channel/{channel}/pulse/{slot}"}:     h.readPulse,
	}
	h.RouteTable = rt
	return h
}

// RT returns the route table
func (h HTTPController) RT() server.RouteTable {
	return h.RouteTable
}

func urlInt(r *http.Request, key string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, key))
}

type handleJSON struct {
	Start    int    `json:"start"`
	Len      int    `json:"len"`
	Checksum uint16 `json:"checksum"`
}

func toHandle(h handleJSON) wavetable.Handle {
	return wavetable.Handle{Start: h.Start, Len: h.Len, Checksum: h.Checksum}
}

func fromHandle(h wavetable.Handle) handleJSON {
	return handleJSON{Start: h.Start, Len: h.Len, Checksum: h.Checksum}
}

// loadWaveform accepts either explicit samples or a polynomial shape
// description and replies with the handle of the stored waveform
func (h HTTPController) loadWaveform(w http.ResponseWriter, r *http.Request) {
	ch, err := urlInt(r, "channel")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type msg struct {
		Samples      []int     `json:"samples"`
		Coeffs       []float64 `json:"coeffs"`
		Length       int       `json:"length"`
		KeepPrevious bool      `json:"keep_previous"`
	}
	var input msg
	err = json.NewDecoder(r.Body).Decode(&input)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var hd wavetable.Handle
	if len(input.Coeffs) > 0 {
		hd, err = h.Ctl.LoadPolynomial(ch, input.Coeffs, input.Length, input.KeepPrevious)
	} else {
		hd, err = h.Ctl.LoadWaveform(ch, input.Samples, input.KeepPrevious)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(fromHandle(hd))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h HTTPController) verifyWaveform(w http.ResponseWriter, r *http.Request) {
	ch, err := urlInt(r, "channel")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var input handleJSON
	err = json.NewDecoder(r.Body).Decode(&input)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Ctl.VerifyWaveform(ch, toHandle(input))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type pulseJSON struct {
	Wave       handleJSON `json:"wave"`
	StartTime  int        `json:"start_time"`
	Gain       float64    `json:"gain"`
	TimeFactor float64    `json:"time_factor"`
	Sustain    int        `json:"sustain"`
}

// setPulses programs a channel's whole pulse sequence at once
func (h HTTPController) setPulses(w http.ResponseWriter, r *http.Request) {
	ch, err := urlInt(r, "channel")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type msg struct {
		Pulses         []pulseJSON `json:"pulses"`
		SequenceLength int         `json:"sequence_length"`
	}
	var input msg
	err = json.NewDecoder(r.Body).Decode(&input)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defs := make([]pulse.Definition, len(input.Pulses))
	for i, p := range input.Pulses {
		defs[i] = pulse.Definition{
			Wave:       toHandle(p.Wave),
			StartTime:  p.StartTime,
			Gain:       p.Gain,
			TimeFactor: p.TimeFactor,
			Sustain:    p.Sustain,
		}
	}
	err = h.Ctl.SetPulses(ch, defs, input.SequenceLength)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPController) readPulse(w http.ResponseWriter, r *http.Request) {
	ch, err := urlInt(r, "channel")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slot, err := urlInt(r, "slot")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := h.Ctl.ReadPulseEntry(ch, slot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	type out struct {
		StartTime  int    `json:"start_time"`
		StartAddr  int    `json:"start_addr"`
		WaveLen    int    `json:"wave_len"`
		Gain       uint16 `json:"gain"`
		TimeFactor uint16 `json:"time_factor"`
		Sustain    int    `json:"sustain"`
	}
	w.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(w).Encode(out{
		StartTime:  e.StartTime,
		StartAddr:  e.StartAddr,
		WaveLen:    e.WaveLen,
		Gain:       e.Gain,
		TimeFactor: e.TimeFactor,
		Sustain:    e.Sustain,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeDC writes a voltage to a static DC channel
func (h HTTPController) writeDC(w http.ResponseWriter, r *http.Request) {
	type msg struct {
		Channel int     `json:"channel"`
		Voltage float64 `json:"voltage"`
	}
	var input msg
	err := json.NewDecoder(r.Body).Decode(&input)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Ctl.WriteDCVoltage(input.Channel, input.Voltage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPController) errorStatus() (int, error) {
	status, err := h.Ctl.ReadErrorStatus()
	return int(status), err
}

func (h HTTPController) errorChannels() (string, error) {
	status, err := h.Ctl.ReadErrorStatus()
	if err != nil {
		return "", err
	}
	return util.IntSliceToCSV(ErrorChannels(status)), nil
}
