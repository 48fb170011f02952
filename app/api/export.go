package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/noticecomb/notice-comb/app/database"
)

const exportSheet = "Items"

var exportHeaders = []string{"source_id", "natural_key", "title", "url", "published_at", "fetched_at", "raw_extra"}

// ExportItems writes the items selected by the ListItems filters as csv or
// xlsx. Without a limit every matching item is exported.
func (h *Handler) ExportItems(c *gin.Context) {
	format := c.DefaultQuery("format", "csv")
	if format != "csv" && format != "xlsx" {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported format %q", format)})
		return
	}

	filter, err := h.parseItemFilter(c, 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.itemRepo.Query(c.Request.Context(), filter)
	if err != nil {
		slog.Error("Database error", "operation", "export_items", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	filename := fmt.Sprintf("items-%s.%s", h.now().Format("20060102-150405"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("X-Total-Count", fmt.Sprint(page.Total))

	switch format {
	case "csv":
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		err = writeCSV(c.Writer, page.Items)
	case "xlsx":
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Status(http.StatusOK)
		err = writeXLSX(c.Writer, page.Items)
	}
	if err != nil {
		slog.Error("Export failed", "format", format, "error", err)
	}
}

func exportRow(item database.Item) ([]string, error) {
	published := ""
	if item.PublishedAt != nil {
		published = item.PublishedAt.Format(time.RFC3339)
	}

	extra := "{}"
	if len(item.RawExtra) > 0 {
		data, err := json.Marshal(item.RawExtra)
		if err != nil {
			return nil, fmt.Errorf("failed to encode raw_extra for %s: %w", item.NaturalKey, err)
		}
		extra = string(data)
	}

	return []string{
		item.SourceID,
		item.NaturalKey,
		item.Title,
		item.URL,
		published,
		item.FetchedAt.Format(time.RFC3339),
		extra,
	}, nil
}

func writeCSV(w io.Writer, items []database.Item) error {
	// UTF-8 BOM so spreadsheet tools detect the encoding of CJK titles.
	if _, err := w.Write([]byte("\xEF\xBB\xBF")); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeaders); err != nil {
		return err
	}
	for _, item := range items {
		row, err := exportRow(item)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, items []database.Item) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}

	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	if err := sw.SetRow("A1", toCells(exportHeaders)); err != nil {
		return err
	}
	for i, item := range items {
		row, err := exportRow(item)
		if err != nil {
			return err
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, toCells(row)); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}

	_, err = f.WriteTo(w)
	return err
}

func toCells(values []string) []any {
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}
