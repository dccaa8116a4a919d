package invoice

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/invoiceflow/invoiceflow/internal/extraction"
)

// mockExtractor is a mock implementation of extraction.Extractor
type mockExtractor struct {
	data       *extraction.InvoiceData
	extractErr error
}

func newMockExtractor() *mockExtractor {
	return &mockExtractor{
		data: &extraction.InvoiceData{
			InvoiceNumber: "INV-100",
			InvoiceDate:   "2024-03-20",
			TotalAmount:   250.00,
			Currency:      "USD",
			VendorName:    "Acme Office Supply",
			LineItems: []extraction.LineItem{
				{Description: "Paper, A4", Quantity: 10, UnitPrice: 25, Amount: 250},
			},
			Confidence: 0.95,
		},
	}
}

func (m *mockExtractor) ExtractInvoice(documentData []byte, contentType string) (*extraction.InvoiceData, error) {
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return m.data, nil
}

func (m *mockExtractor) Close() error {
	return nil
}

func multipartUpload(filename, contentType string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := writer.CreatePart(header)
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db        *mockDB
		storage   *mockStorage
		extractor *mockExtractor
		exporter  *stubExporter
		service   *Service
		server    *Server
		auth      BasicAuth

		resp *httptest.ResponseRecorder
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		extractor = newMockExtractor()
		exporter = &stubExporter{}
		auth = BasicAuth{}
		service = NewServiceWithDeps(db, NewLedger(db), storage, NewDetector(db, DefaultDetectorPolicy()),
			&mockIDGenerator{prefix: "id"}, &mockTimeSource{now: time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)})

		db.accounts["acct-1"] = &Account{
			ID:               "acct-1",
			UploadsLimit:     10,
			ExtractionsLimit: 10,
		}
	})

	JustBeforeEach(func() {
		server = NewServer(service, extractor, exporter, HeaderIdentity{}, auth)
	})

	upload := func() *httptest.ResponseRecorder {
		body, contentType := multipartUpload("invoice.pdf", "application/pdf", []byte("fake pdf"))
		req := httptest.NewRequest("POST", "/api/invoices", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Account-ID", "acct-1")
		req.Header.Set("X-User-ID", "user-7")
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}

	Describe("POST /api/invoices", func() {
		It("ingests and returns the approved record", func() {
			resp = upload()
			Expect(resp.Code).To(Equal(http.StatusCreated))

			var record ExtractionRecord
			Expect(json.NewDecoder(resp.Body).Decode(&record)).To(Succeed())
			Expect(record.Status).To(Equal(StatusApproved))
			Expect(record.UserID).To(Equal("user-7"))
			number, _ := record.Headers.Text(HeaderInvoiceNumber)
			Expect(number).To(Equal("INV-100"))
		})

		When("no account header is sent", func() {
			It("returns 400", func() {
				body, contentType := multipartUpload("invoice.pdf", "application/pdf", []byte("fake pdf"))
				req := httptest.NewRequest("POST", "/api/invoices", body)
				req.Header.Set("Content-Type", contentType)
				rec := httptest.NewRecorder()
				server.ServeHTTP(rec, req)
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})

		When("the upload quota is exhausted", func() {
			BeforeEach(func() {
				db.accounts["acct-1"].UploadsUsed = 10
			})

			It("returns 402 and creates nothing", func() {
				resp = upload()
				Expect(resp.Code).To(Equal(http.StatusPaymentRequired))
				Expect(db.records).To(BeEmpty())
				Expect(storage.files).To(BeEmpty())
			})
		})

		When("storage is unavailable", func() {
			BeforeEach(func() {
				storage.saveErr = &StorageError{Op: "save", Transient: true, Err: errors.New("backend down")}
			})

			It("returns 503", func() {
				resp = upload()
				Expect(resp.Code).To(Equal(http.StatusServiceUnavailable))
			})
		})

		When("the extractor fails", func() {
			BeforeEach(func() {
				extractor.extractErr = errors.New("model timeout")
			})

			It("still ingests the document into hold", func() {
				resp = upload()
				Expect(resp.Code).To(Equal(http.StatusCreated))

				var record ExtractionRecord
				Expect(json.NewDecoder(resp.Body).Decode(&record)).To(Succeed())
				Expect(record.Status).To(Equal(StatusHold))
			})
		})
	})

	Describe("GET /api/invoices", func() {
		BeforeEach(func() {
			db.records["rec-1"] = &ExtractionRecord{ID: "rec-1", AccountID: "acct-1", Status: StatusHold}
			db.records["rec-2"] = &ExtractionRecord{ID: "rec-2", AccountID: "acct-1", Status: StatusApproved}
			db.records["rec-3"] = &ExtractionRecord{ID: "rec-3", AccountID: "acct-2", Status: StatusHold}
		})

		It("lists only the caller's records", func() {
			req := httptest.NewRequest("GET", "/api/invoices", nil)
			req.Header.Set("X-Account-ID", "acct-1")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var records []*ExtractionRecord
			Expect(json.NewDecoder(rec.Body).Decode(&records)).To(Succeed())
			Expect(records).To(HaveLen(2))
		})

		It("filters by status", func() {
			req := httptest.NewRequest("GET", "/api/invoices?status=hold", nil)
			req.Header.Set("X-Account-ID", "acct-1")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)

			var records []*ExtractionRecord
			Expect(json.NewDecoder(rec.Body).Decode(&records)).To(Succeed())
			Expect(records).To(HaveLen(1))
			Expect(records[0].ID).To(Equal("rec-1"))
		})
	})

	Describe("GET /api/invoices/{id}", func() {
		BeforeEach(func() {
			db.records["rec-1"] = &ExtractionRecord{ID: "rec-1", AccountID: "acct-1", Status: StatusHold}
		})

		get := func(accountID string) *httptest.ResponseRecorder {
			req := httptest.NewRequest("GET", "/api/invoices/rec-1", nil)
			req.Header.Set("X-Account-ID", accountID)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			return rec
		}

		It("returns the owner's record", func() {
			rec := get("acct-1")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var record ExtractionRecord
			Expect(json.NewDecoder(rec.Body).Decode(&record)).To(Succeed())
			Expect(record.ID).To(Equal("rec-1"))
		})

		It("returns 404 for another account's record", func() {
			Expect(get("acct-2").Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/invoices/{id}/file", func() {
		BeforeEach(func() {
			db.records["rec-1"] = &ExtractionRecord{
				ID:          "rec-1",
				AccountID:   "acct-1",
				FilePath:    "acct-1/rec-1_invoice.pdf",
				ContentType: "application/pdf",
			}
			storage.files["acct-1/rec-1_invoice.pdf"] = []byte("blob")
		})

		It("returns the stored document", func() {
			req := httptest.NewRequest("GET", "/api/invoices/rec-1/file", nil)
			req.Header.Set("X-Account-ID", "acct-1")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/pdf"))
			Expect(rec.Body.String()).To(Equal("blob"))
		})

		It("returns 404 for another account's document", func() {
			req := httptest.NewRequest("GET", "/api/invoices/rec-1/file", nil)
			req.Header.Set("X-Account-ID", "acct-2")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(rec.Body.String()).NotTo(ContainSubstring("blob"))
		})
	})

	Describe("POST /api/invoices/{id}/review", func() {
		BeforeEach(func() {
			db.records["rec-1"] = &ExtractionRecord{ID: "rec-1", AccountID: "acct-1", Status: StatusHold}
		})

		review := func(id, decision string) *httptest.ResponseRecorder {
			body := strings.NewReader(`{"decision": "` + decision + `", "reviewer": "ops@example.com"}`)
			req := httptest.NewRequest("POST", "/api/invoices/"+id+"/review", body)
			req.Header.Set("X-Account-ID", "acct-1")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			return rec
		}

		It("approves a held record", func() {
			rec := review("rec-1", "approve")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var approval InvoiceApproved
			Expect(json.NewDecoder(rec.Body).Decode(&approval)).To(Succeed())
			Expect(approval.ExportStatus).To(Equal(ExportPendingExport))
		})

		It("returns 204 on reject", func() {
			Expect(review("rec-1", "reject").Code).To(Equal(http.StatusNoContent))
		})

		It("returns 409 when the record is already approved", func() {
			Expect(review("rec-1", "approve").Code).To(Equal(http.StatusOK))
			Expect(review("rec-1", "approve").Code).To(Equal(http.StatusConflict))
		})

		It("returns 404 for an unknown record", func() {
			Expect(review("missing", "approve").Code).To(Equal(http.StatusNotFound))
		})

		It("refuses to review another account's record", func() {
			body := strings.NewReader(`{"decision": "approve", "reviewer": "ops@example.com"}`)
			req := httptest.NewRequest("POST", "/api/invoices/rec-1/review", body)
			req.Header.Set("X-Account-ID", "acct-2")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(db.records["rec-1"].Status).To(Equal(StatusHold))
			Expect(db.approvals).To(BeEmpty())
		})
	})

	Describe("exports", func() {
		BeforeEach(func() {
			db.records["rec-1"] = &ExtractionRecord{ID: "rec-1", AccountID: "acct-1", Status: StatusApproved}
			db.approvals["rec-1"] = &InvoiceApproved{
				ID:                "appr-1",
				InvoiceDocumentID: "rec-1",
				Accepted:          true,
				ExportStatus:      ExportPendingExport,
			}
		})

		It("lists approvals pending export", func() {
			req := httptest.NewRequest("GET", "/api/exports", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var approvals []*InvoiceApproved
			Expect(json.NewDecoder(rec.Body).Decode(&approvals)).To(Succeed())
			Expect(approvals).To(HaveLen(1))
		})

		It("runs the exporter over the queue", func() {
			req := httptest.NewRequest("POST", "/api/exports/run", nil)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var result map[string]int
			Expect(json.NewDecoder(rec.Body).Decode(&result)).To(Succeed())
			Expect(result["exported"]).To(Equal(1))
			Expect(exporter.exported).To(ConsistOf("rec-1"))
		})
	})

	Describe("GET /api/account", func() {
		It("returns the caller's usage", func() {
			req := httptest.NewRequest("GET", "/api/account", nil)
			req.Header.Set("X-Account-ID", "acct-1")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var account Account
			Expect(json.NewDecoder(rec.Body).Decode(&account)).To(Succeed())
			Expect(account.UploadsLimit).To(Equal(10))
		})
	})

	Describe("POST /api/accounts", func() {
		It("provisions a new account", func() {
			body := strings.NewReader(`{"id": "acct-2", "subscription_tier": "starter", "uploads_limit": 5, "extractions_limit": 5}`)
			req := httptest.NewRequest("POST", "/api/accounts", body)
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(db.accounts).To(HaveKey("acct-2"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "ops", Password: "secret"}
		})

		It("rejects requests without credentials", func() {
			req := httptest.NewRequest("GET", "/api/invoices", nil)
			req.Header.Set("X-Account-ID", "acct-1")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("accepts requests with valid credentials", func() {
			req := httptest.NewRequest("GET", "/api/invoices", nil)
			req.Header.Set("X-Account-ID", "acct-1")
			req.SetBasicAuth("ops", "secret")
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})
})
