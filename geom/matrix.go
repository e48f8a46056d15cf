package geom

import "github.com/go-gl/mathgl/mgl32"

// Matrix3 is a row major 3x3 matrix.
type Matrix3 [3][3]float32

func Identity() Matrix3 {
	return Matrix3{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}
}

// FromEulerAnglesZYX returns Rz(yaw) * Ry(pitch) * Rx(roll), angles in radians.
func FromEulerAnglesZYX(yaw, pitch, roll float32) Matrix3 {
	rot := mgl32.Rotate3DZ(yaw).Mul3(mgl32.Rotate3DY(pitch)).Mul3(mgl32.Rotate3DX(roll))

	var m Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = rot.At(i, j)
		}
	}
	return m
}

func (m Matrix3) Mul(o Matrix3) Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[i][0]*o[0][j] + m[i][1]*o[1][j] + m[i][2]*o[2][j]
		}
	}
	return r
}

// Transpose is also the inverse for rotation matrices.
func (m Matrix3) Transpose() Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m[j][i]
		}
	}
	return r
}

// MulVec returns m * v, v as a column vector.
func (m Matrix3) MulVec(v Vector3) Vector3 {
	return Vector3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// VecMul returns v * m, v as a row vector.
func (m Matrix3) VecMul(v Vector3) Vector3 {
	return Vector3{
		v.X*m[0][0] + v.Y*m[1][0] + v.Z*m[2][0],
		v.X*m[0][1] + v.Y*m[1][1] + v.Z*m[2][1],
		v.X*m[0][2] + v.Y*m[1][2] + v.Z*m[2][2],
	}
}
