package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/luma/gpu"
)

// CreateRequest is the body of POST /api/arrays.
type CreateRequest struct {
	Shape []uint32  `json:"shape"`
	Type  string    `json:"type"`
	Data  []float64 `json:"data"`
}

type CreateResponse struct {
	ID    uuid.UUID `json:"id"`
	Shape gpu.Shape `json:"shape"`
	Type  string    `json:"type"`
}

type DispatchResponse struct {
	ID        uuid.UUID `json:"id"`
	Operation string    `json:"operation"`
	Type      string    `json:"type"`
	Data      any       `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) CreateHandler(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = gpu.U32.String()
	}
	typ, err := gpu.ParseElementType(req.Type)
	if err != nil {
		s.abort(c, err)
		return
	}
	shape := gpu.Shape{1, 1, 1, 1}
	if len(req.Shape) > 0 {
		if shape, err = gpu.ShapeOf(req.Shape...); err != nil {
			s.abort(c, err)
			return
		}
	} else {
		shape[0] = uint32(len(req.Data))
	}

	var id uuid.UUID
	switch typ {
	case gpu.U32:
		var data []uint32
		if data, err = convert(req.Data, 0, math.MaxUint32, true, func(v float64) uint32 { return uint32(v) }); err == nil {
			id, err = gpu.CreateArray(s.engine, shape, data)
		}
	case gpu.I32:
		var data []int32
		if data, err = convert(req.Data, math.MinInt32, math.MaxInt32, true, func(v float64) int32 { return int32(v) }); err == nil {
			id, err = gpu.CreateArray(s.engine, shape, data)
		}
	case gpu.F32:
		var data []float32
		if data, err = convert(req.Data, -math.MaxFloat32, math.MaxFloat32, false, func(v float64) float32 { return float32(v) }); err == nil {
			id, err = gpu.CreateArray(s.engine, shape, data)
		}
	}
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateResponse{ID: id, Shape: shape, Type: typ.String()})
}

func convert[T gpu.Element](in []float64, lo, hi float64, integral bool, cast func(float64) T) ([]T, error) {
	out := make([]T, len(in))
	for i, v := range in {
		if v < lo || v > hi || (integral && v != math.Trunc(v)) {
			return nil, fmt.Errorf("%w: data[%d] = %v is out of range", gpu.ErrElementType, i, v)
		}
		out[i] = cast(v)
	}
	return out, nil
}

func (s *Server) DispatchHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{fmt.Sprintf("invalid array id %q", c.Param("id"))})
		return
	}
	op, err := gpu.ParseOperation(c.Param("op"))
	if err != nil {
		s.abort(c, err)
		return
	}
	typ, err := s.engine.ElementTypeOf(id)
	if err != nil {
		s.abort(c, err)
		return
	}

	ctx := c.Request.Context()
	var data any
	switch typ {
	case gpu.U32:
		data, err = gpu.Dispatch[uint32](ctx, s.engine, id, op)
	case gpu.I32:
		data, err = gpu.Dispatch[int32](ctx, s.engine, id, op)
	default:
		data, err = gpu.Dispatch[float32](ctx, s.engine, id, op)
	}
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, DispatchResponse{ID: id, Operation: op.String(), Type: typ.String(), Data: data})
}

func (s *Server) ReleaseHandler(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{fmt.Sprintf("invalid array id %q", c.Param("id"))})
		return
	}
	s.engine.Release(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) OperationsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": s.engine.Operations()})
}

func (s *Server) DeviceHandler(c *gin.Context) {
	info := s.engine.Info()
	if info == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{"no adapter report"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// statusClientClosedRequest is nginx's code for a client that went away mid-request.
const statusClientClosedRequest = 499

func (s *Server) abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status == statusClientClosedRequest {
		s.log.WithFields(logrus.Fields{"path": c.FullPath(), "err": err}).Debug("client went away")
	} else if status >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{"path": c.FullPath(), "err": err}).Error("request failed")
	}
	c.AbortWithStatusJSON(status, errorResponse{err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gpu.ErrBufferNotFound):
		return http.StatusNotFound
	case errors.Is(err, gpu.ErrShapeMismatch),
		errors.Is(err, gpu.ErrEmptyArray),
		errors.Is(err, gpu.ErrElementType):
		return http.StatusBadRequest
	case errors.Is(err, gpu.ErrOperationNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, gpu.ErrBufferBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, gpu.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
