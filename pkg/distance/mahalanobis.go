package distance

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/marytts/marytts-sub027/pkg/codebook"
)

// MahalanobisMetric holds the Cholesky factor of a covariance matrix so
// repeated distances avoid refactorising. It is read-only after
// construction and safe for concurrent use.
type MahalanobisMetric struct {
	chol mat.Cholesky
	dim  int
}

// NewMahalanobis factorises cov. A covariance that is not positive
// definite is a configuration error.
func NewMahalanobis(cov mat.Symmetric) (*MahalanobisMetric, error) {
	m := &MahalanobisMetric{dim: cov.SymmetricDim()}
	if ok := m.chol.Factorize(cov); !ok {
		return nil, fmt.Errorf("distance: %w: covariance is not positive definite", codebook.ErrConfig)
	}
	return m, nil
}

// Dim returns the vector dimension the metric expects.
func (m *MahalanobisMetric) Dim() int { return m.dim }

// Distance returns sqrt((a-b)^T cov^-1 (a-b)).
func (m *MahalanobisMetric) Distance(a, b []float64) float64 {
	return stat.Mahalanobis(mat.NewVecDense(len(a), a), mat.NewVecDense(len(b), b), &m.chol)
}

// Mahalanobis returns the Mahalanobis distance between a and b under cov.
func Mahalanobis(a, b []float64, cov mat.Symmetric) (float64, error) {
	if cov.SymmetricDim() != len(a) || len(a) != len(b) {
		return 0, fmt.Errorf("distance: %w: mahalanobis dims %d/%d, covariance %d",
			codebook.ErrFormat, len(a), len(b), cov.SymmetricDim())
	}
	m, err := NewMahalanobis(cov)
	if err != nil {
		return 0, err
	}
	return m.Distance(a, b), nil
}

// Covariance returns the sample covariance of rows with ridge added to the
// diagonal. With fewer than two rows the result is ridge*I.
func Covariance(rows [][]float64, ridge float64) *mat.SymDense {
	if len(rows) == 0 {
		return nil
	}
	dim := len(rows[0])
	cov := mat.NewSymDense(dim, nil)
	if len(rows) >= 2 {
		data := mat.NewDense(len(rows), dim, nil)
		for i, r := range rows {
			data.SetRow(i, r)
		}
		stat.CovarianceMatrix(cov, data, nil)
	}
	for i := range dim {
		cov.SetSym(i, i, cov.At(i, i)+ridge)
	}
	return cov
}
