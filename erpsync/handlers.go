package erpsync

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"bitbucket.org/mmdatafocus/erpsync_backend/models"
	"bitbucket.org/mmdatafocus/erpsync_backend/utils"
)

const dateLayout = "2006-01-02"

// RunInvoiceSyncHandler triggers a run for an explicit window. The ToDate is
// inclusive on the wire and converted to an exclusive bound here.
func RunInvoiceSyncHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "FromDate and ToDate are required"})
			return
		}

		from, err := time.Parse(dateLayout, req.FromDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid FromDate: %s", req.FromDate)})
			return
		}
		to, err := time.Parse(dateLayout, req.ToDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid ToDate: %s", req.ToDate)})
			return
		}
		if to.Before(from) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ToDate must not be before FromDate"})
			return
		}
		toExclusive := to.AddDate(0, 0, 1)

		_, _, err = svc.ExecuteRun(c.Request.Context(), from, toExclusive, models.SyncTriggeredManual, nil)
		if err != nil {
			if errors.Is(err, ErrRunInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			var fatal *FatalRunError
			if errors.As(err, &fatal) {
				c.JSON(http.StatusBadGateway, gin.H{"error": fatal.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": fmt.Sprintf("Processed invoices from %s to %s", req.FromDate, req.ToDate),
		})
	}
}

// StatusHandler reports the latest run and the latest fully successful run.
func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		last, err := svc.store.LastRun(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		lastSuccess, err := svc.store.LastSuccessRun(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := StatusResponse{}
		if last != nil {
			r := toRunResponse(last)
			resp.LastRun = &r
		}
		if lastSuccess != nil {
			r := toRunResponse(lastSuccess)
			resp.LastSuccessRun = &r
		}
		c.JSON(http.StatusOK, resp)
	}
}

func RunHistoryHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		if limit > 100 {
			limit = 100
		}

		runs, err := svc.store.ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := RunHistoryResponse{Items: make([]RunResponse, 0, len(runs))}
		for i := range runs {
			resp.Items = append(resp.Items, toRunResponse(&runs[i]))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func RunDetailHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := lookupRun(c, svc)
		if !ok {
			return
		}

		outcomes, err := svc.store.ListOutcomes(c.Request.Context(), run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := RunDetailResponse{RunResponse: toRunResponse(run)}
		for _, record := range outcomes {
			resp.Outcomes = append(resp.Outcomes, OutcomeResponse{
				InvoiceNumber: record.InvoiceNumber,
				Status:        record.Status,
				ErpInvoiceId:  record.ErpInvoiceId,
				ErrorKind:     record.ErrorKind,
				ErrorMessage:  record.ErrorMessage,
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RetryRunHandler starts a fresh run over the same window. The provider's
// "unprocessed" filter keeps already-synced invoices out, so retrying a
// partial run touches only what failed.
func RetryRunHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		parent, ok := lookupRun(c, svc)
		if !ok {
			return
		}
		switch parent.Status {
		case models.SyncRunStatusQueued, models.SyncRunStatusRunning:
			c.JSON(http.StatusConflict, gin.H{"error": "run has not finished yet"})
			return
		}

		parentId := parent.ID
		run, _, err := svc.ExecuteRun(c.Request.Context(), parent.FromDate, parent.ToDate, models.SyncTriggeredRetry, &parentId)
		if err != nil {
			if errors.Is(err, ErrRunInProgress) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			var fatal *FatalRunError
			if errors.As(err, &fatal) {
				c.JSON(http.StatusBadGateway, gin.H{"error": fatal.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toRunResponse(run))
	}
}

// ReportHandler streams the run's per-invoice outcomes as an Excel workbook
// for the finance team.
func ReportHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, ok := lookupRun(c, svc)
		if !ok {
			return
		}
		outcomes, err := svc.store.ListOutcomes(c.Request.Context(), run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		f := excelize.NewFile()
		defer f.Close()
		sheet := "Outcomes"
		f.SetSheetName("Sheet1", sheet)

		headers := []string{"Invoice Number", "Status", "ERP Invoice Id", "Error Kind", "Error Message"}
		for i, header := range headers {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			f.SetCellValue(sheet, cell, header)
		}
		for row, record := range outcomes {
			values := []interface{}{record.InvoiceNumber, record.Status, record.ErpInvoiceId, record.ErrorKind, record.ErrorMessage}
			for col, value := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
				f.SetCellValue(sheet, cell, value)
			}
		}

		buf, err := f.WriteToBuffer()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		fileName := fmt.Sprintf("sync-run-%d.xlsx", run.ID)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

func lookupRun(c *gin.Context, svc *Service) (*models.SyncRun, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	run, err := svc.store.GetRun(c.Request.Context(), uint(id))
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return run, true
}

func toRunResponse(run *models.SyncRun) RunResponse {
	resp := RunResponse{
		ID:          run.ID,
		Status:      run.Status,
		TriggeredBy: run.TriggeredBy,
		FromDate:    run.FromDate.UTC().Format(dateLayout),
		ToDate:      run.ToDate.UTC().Format(dateLayout),
		Succeeded:   run.Succeeded,
		Failed:      run.Failed,
		FatalError:  run.FatalError,
		DurationMs:  run.DurationMs,
	}
	if run.StartedAt != nil {
		s := run.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if run.FinishedAt != nil {
		s := run.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	return resp
}
